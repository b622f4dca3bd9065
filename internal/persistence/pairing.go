package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/basket/go-claw-gateway/internal/auth"
	"github.com/basket/go-claw-gateway/internal/bus"
)

// Pairing request states.
const (
	PairingPending  = "pending"
	PairingApproved = "approved"
	PairingRejected = "rejected"
	PairingExpired  = "expired"
)

// ErrPairingResolved is returned when resolving a request that is no longer
// pending.
var ErrPairingResolved = errors.New("pairing request already resolved")

// DeviceMetadata is what a device reports about itself on connect.
type DeviceMetadata struct {
	DisplayName string
	Platform    string
	ClientID    string
	ClientMode  string
	Role        string
	Scopes      []string
	RemoteIP    string
}

// PairingInput describes a device asking to be paired.
type PairingInput struct {
	DeviceID  string
	PublicKey string
	DeviceMetadata
	// Silent requests are auto-approved by the gateway and are not
	// announced to operators.
	Silent bool
}

// PairingRequest is a pending or resolved pairing request.
type PairingRequest struct {
	RequestID   string   `json:"requestId"`
	DeviceID    string   `json:"deviceId"`
	PublicKey   string   `json:"publicKey,omitempty"`
	DisplayName string   `json:"displayName,omitempty"`
	Platform    string   `json:"platform,omitempty"`
	ClientID    string   `json:"clientId,omitempty"`
	ClientMode  string   `json:"clientMode,omitempty"`
	Role        string   `json:"role,omitempty"`
	Scopes      []string `json:"scopes,omitempty"`
	RemoteIP    string   `json:"remoteIp,omitempty"`
	Silent      bool     `json:"silent,omitempty"`
	Status      string   `json:"status"`
	TS          int64    `json:"ts"`
	ResolvedAt  int64    `json:"resolvedAt,omitempty"`
}

// Device is a paired device. The token is never serialized.
type Device struct {
	DeviceID    string   `json:"deviceId"`
	PublicKey   string   `json:"publicKey,omitempty"`
	Token       string   `json:"-"`
	DisplayName string   `json:"displayName,omitempty"`
	Platform    string   `json:"platform,omitempty"`
	ClientID    string   `json:"clientId,omitempty"`
	ClientMode  string   `json:"clientMode,omitempty"`
	Role        string   `json:"role,omitempty"`
	Scopes      []string `json:"scopes,omitempty"`
	RemoteIP    string   `json:"remoteIp,omitempty"`
	CreatedAt   int64    `json:"createdAt"`
	UpdatedAt   int64    `json:"updatedAt"`
}

const pairingColumns = `request_id, device_id, public_key, display_name, platform, client_id,
	client_mode, role, scopes, remote_ip, silent, status, created_at, COALESCE(resolved_at, 0)`

const deviceColumns = `device_id, public_key, token, display_name, platform, client_id,
	client_mode, role, scopes, remote_ip, created_at, updated_at`

// RequestPairing records a pairing request. A device with a pending request
// gets that request back (refreshed with the new metadata) and created is
// false; nothing is published in that case.
func (s *Store) RequestPairing(ctx context.Context, in PairingInput) (req PairingRequest, created bool, err error) {
	in.DeviceID = strings.TrimSpace(in.DeviceID)
	if in.DeviceID == "" {
		return PairingRequest{}, false, fmt.Errorf("empty device id")
	}
	now := s.nowMs()

	err = retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		existing, err := scanPairing(tx.QueryRowContext(ctx, `
			SELECT `+pairingColumns+` FROM pairing_requests
			WHERE device_id = ? AND status = ? ORDER BY created_at DESC LIMIT 1;
		`, in.DeviceID, PairingPending).Scan)
		switch {
		case err == nil:
			if _, err := tx.ExecContext(ctx, `
				UPDATE pairing_requests SET public_key = ?, display_name = ?, platform = ?, client_id = ?,
					client_mode = ?, role = ?, scopes = ?, remote_ip = ?
				WHERE request_id = ?;
			`, in.PublicKey, in.DisplayName, in.Platform, in.ClientID, in.ClientMode, in.Role,
				joinScopes(in.Scopes), in.RemoteIP, existing.RequestID); err != nil {
				return err
			}
			req = existing
			req.PublicKey, req.DisplayName, req.Platform = in.PublicKey, in.DisplayName, in.Platform
			req.ClientID, req.ClientMode, req.Role = in.ClientID, in.ClientMode, in.Role
			req.Scopes, req.RemoteIP = in.Scopes, in.RemoteIP
			created = false
		case errors.Is(err, sql.ErrNoRows):
			req = PairingRequest{
				RequestID:   uuid.NewString(),
				DeviceID:    in.DeviceID,
				PublicKey:   in.PublicKey,
				DisplayName: in.DisplayName,
				Platform:    in.Platform,
				ClientID:    in.ClientID,
				ClientMode:  in.ClientMode,
				Role:        in.Role,
				Scopes:      in.Scopes,
				RemoteIP:    in.RemoteIP,
				Silent:      in.Silent,
				Status:      PairingPending,
				TS:          now,
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO pairing_requests (request_id, device_id, public_key, display_name, platform,
					client_id, client_mode, role, scopes, remote_ip, silent, status, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
			`, req.RequestID, req.DeviceID, req.PublicKey, req.DisplayName, req.Platform, req.ClientID,
				req.ClientMode, req.Role, joinScopes(req.Scopes), req.RemoteIP, boolToInt(req.Silent),
				req.Status, req.TS); err != nil {
				return err
			}
			created = true
		default:
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return PairingRequest{}, false, fmt.Errorf("request pairing: %w", err)
	}
	if created {
		s.publish(bus.TopicPairingRequested, pairingEvent(req, ""))
	}
	return req, created, nil
}

// ApprovePairing resolves a pending request, pairs its device and issues a
// fresh token. A device that was already paired keeps its id and gets the
// new key, metadata and token.
func (s *Store) ApprovePairing(ctx context.Context, requestID string) (Device, PairingRequest, error) {
	var (
		dev Device
		req PairingRequest
	)
	now := s.nowMs()
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		req, err = loadPendingTx(ctx, tx, requestID)
		if err != nil {
			return err
		}
		dev = Device{
			DeviceID:    req.DeviceID,
			PublicKey:   req.PublicKey,
			Token:       uuid.NewString(),
			DisplayName: req.DisplayName,
			Platform:    req.Platform,
			ClientID:    req.ClientID,
			ClientMode:  req.ClientMode,
			Role:        req.Role,
			Scopes:      req.Scopes,
			RemoteIP:    req.RemoteIP,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO paired_devices (`+deviceColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(device_id) DO UPDATE SET
				public_key = excluded.public_key, token = excluded.token,
				display_name = excluded.display_name, platform = excluded.platform,
				client_id = excluded.client_id, client_mode = excluded.client_mode,
				role = excluded.role, scopes = excluded.scopes, remote_ip = excluded.remote_ip,
				updated_at = excluded.updated_at;
		`, dev.DeviceID, dev.PublicKey, dev.Token, dev.DisplayName, dev.Platform, dev.ClientID,
			dev.ClientMode, dev.Role, joinScopes(dev.Scopes), dev.RemoteIP, dev.CreatedAt, dev.UpdatedAt); err != nil {
			return err
		}
		if err := resolveTx(ctx, tx, requestID, PairingApproved, now); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return Device{}, PairingRequest{}, fmt.Errorf("approve pairing %s: %w", requestID, err)
	}
	req.Status = PairingApproved
	req.ResolvedAt = now
	s.publish(bus.TopicPairingResolved, pairingEvent(req, PairingApproved))
	return dev, req, nil
}

// RejectPairing resolves a pending request without pairing the device.
func (s *Store) RejectPairing(ctx context.Context, requestID string) (PairingRequest, error) {
	var req PairingRequest
	now := s.nowMs()
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		req, err = loadPendingTx(ctx, tx, requestID)
		if err != nil {
			return err
		}
		if err := resolveTx(ctx, tx, requestID, PairingRejected, now); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return PairingRequest{}, fmt.Errorf("reject pairing %s: %w", requestID, err)
	}
	req.Status = PairingRejected
	req.ResolvedAt = now
	s.publish(bus.TopicPairingResolved, pairingEvent(req, PairingRejected))
	return req, nil
}

// ExpirePairing marks pending requests older than maxAge expired and
// returns how many were affected.
func (s *Store) ExpirePairing(ctx context.Context, maxAge time.Duration) (int, error) {
	now := s.nowMs()
	cutoff := now - maxAge.Milliseconds()
	var n int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE pairing_requests SET status = ?, resolved_at = ?
			WHERE status = ? AND created_at < ?;
		`, PairingExpired, now, PairingPending, cutoff)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("expire pairing: %w", err)
	}
	return int(n), nil
}

// ListPairing returns pending requests (oldest first) and paired devices.
func (s *Store) ListPairing(ctx context.Context) ([]PairingRequest, []Device, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+pairingColumns+` FROM pairing_requests WHERE status = ? ORDER BY created_at ASC;
	`, PairingPending)
	if err != nil {
		return nil, nil, fmt.Errorf("list pairing requests: %w", err)
	}
	var pending []PairingRequest
	for rows.Next() {
		req, err := scanPairing(rows.Scan)
		if err != nil {
			rows.Close()
			return nil, nil, err
		}
		pending = append(pending, req)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	paired, err := s.ListDevices(ctx)
	if err != nil {
		return nil, nil, err
	}
	return pending, paired, nil
}

// ListDevices returns paired devices, most recently updated first.
func (s *Store) ListDevices(ctx context.Context) ([]Device, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+deviceColumns+` FROM paired_devices ORDER BY updated_at DESC;
	`)
	if err != nil {
		return nil, fmt.Errorf("list paired devices: %w", err)
	}
	defer rows.Close()

	var out []Device
	for rows.Next() {
		dev, err := scanDevice(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, dev)
	}
	return out, rows.Err()
}

// GetDevice returns a paired device or ErrNotFound.
func (s *Store) GetDevice(ctx context.Context, deviceID string) (Device, error) {
	dev, err := scanDevice(s.db.QueryRowContext(ctx, `
		SELECT `+deviceColumns+` FROM paired_devices WHERE device_id = ?;
	`, deviceID).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return Device{}, ErrNotFound
	}
	return dev, err
}

// PairedDevice implements auth.DeviceStore.
func (s *Store) PairedDevice(ctx context.Context, deviceID string) (auth.PairedDevice, bool, error) {
	dev, err := s.GetDevice(ctx, deviceID)
	if errors.Is(err, ErrNotFound) {
		return auth.PairedDevice{}, false, nil
	}
	if err != nil {
		return auth.PairedDevice{}, false, err
	}
	return auth.PairedDevice{
		DeviceID:  dev.DeviceID,
		PublicKey: dev.PublicKey,
		Token:     dev.Token,
		Role:      dev.Role,
		Scopes:    dev.Scopes,
	}, true, nil
}

// UpdateDeviceMetadata refreshes what a paired device reported on its
// latest connect. Empty fields keep their stored value.
func (s *Store) UpdateDeviceMetadata(ctx context.Context, deviceID string, meta DeviceMetadata) error {
	var scopes any
	if meta.Scopes != nil {
		scopes = joinScopes(meta.Scopes)
	}
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE paired_devices SET
				display_name = COALESCE(NULLIF(?, ''), display_name),
				platform = COALESCE(NULLIF(?, ''), platform),
				client_id = COALESCE(NULLIF(?, ''), client_id),
				client_mode = COALESCE(NULLIF(?, ''), client_mode),
				role = COALESCE(NULLIF(?, ''), role),
				scopes = COALESCE(?, scopes),
				remote_ip = COALESCE(NULLIF(?, ''), remote_ip),
				updated_at = ?
			WHERE device_id = ?;
		`, meta.DisplayName, meta.Platform, meta.ClientID, meta.ClientMode, meta.Role, scopes,
			meta.RemoteIP, s.nowMs(), deviceID)
		if err != nil {
			return fmt.Errorf("update device metadata: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func loadPendingTx(ctx context.Context, tx *sql.Tx, requestID string) (PairingRequest, error) {
	req, err := scanPairing(tx.QueryRowContext(ctx, `
		SELECT `+pairingColumns+` FROM pairing_requests WHERE request_id = ?;
	`, requestID).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return PairingRequest{}, ErrNotFound
	}
	if err != nil {
		return PairingRequest{}, err
	}
	if req.Status != PairingPending {
		return PairingRequest{}, ErrPairingResolved
	}
	return req, nil
}

func resolveTx(ctx context.Context, tx *sql.Tx, requestID, status string, now int64) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE pairing_requests SET status = ?, resolved_at = ? WHERE request_id = ?;
	`, status, now, requestID)
	return err
}

func scanPairing(scan func(dest ...any) error) (PairingRequest, error) {
	var (
		req    PairingRequest
		scopes string
		silent int
	)
	if err := scan(&req.RequestID, &req.DeviceID, &req.PublicKey, &req.DisplayName, &req.Platform,
		&req.ClientID, &req.ClientMode, &req.Role, &scopes, &req.RemoteIP, &silent, &req.Status,
		&req.TS, &req.ResolvedAt); err != nil {
		return PairingRequest{}, err
	}
	req.Scopes = splitScopes(scopes)
	req.Silent = silent != 0
	return req, nil
}

func scanDevice(scan func(dest ...any) error) (Device, error) {
	var (
		dev    Device
		scopes string
	)
	if err := scan(&dev.DeviceID, &dev.PublicKey, &dev.Token, &dev.DisplayName, &dev.Platform,
		&dev.ClientID, &dev.ClientMode, &dev.Role, &scopes, &dev.RemoteIP, &dev.CreatedAt, &dev.UpdatedAt); err != nil {
		return Device{}, err
	}
	dev.Scopes = splitScopes(scopes)
	return dev, nil
}

func pairingEvent(req PairingRequest, decision string) bus.PairingEvent {
	ts := req.TS
	if req.ResolvedAt != 0 {
		ts = req.ResolvedAt
	}
	return bus.PairingEvent{
		RequestID:   req.RequestID,
		DeviceID:    req.DeviceID,
		Decision:    decision,
		DisplayName: req.DisplayName,
		Platform:    req.Platform,
		Role:        req.Role,
		RemoteIP:    req.RemoteIP,
		Silent:      req.Silent,
		TS:          ts,
	}
}

func joinScopes(scopes []string) string {
	return strings.Join(scopes, ",")
}

func splitScopes(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
