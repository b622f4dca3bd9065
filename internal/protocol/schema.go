package protocol

import (
	"bytes"
	"embed"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed schema/*.json
var schemaFS embed.FS

type compiledSchemas struct {
	frame   *jsonschema.Schema
	connect *jsonschema.Schema
}

var loadSchemas = sync.OnceValues(func() (*compiledSchemas, error) {
	c := jsonschema.NewCompiler()
	for _, name := range []string{"frame.json", "connect.json"} {
		raw, err := schemaFS.ReadFile("schema/" + name)
		if err != nil {
			return nil, fmt.Errorf("read schema %s: %w", name, err)
		}
		// Use jsonschema.UnmarshalJSON for correct number handling (json.Number).
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("unmarshal schema %s: %w", name, err)
		}
		if err := c.AddResource(name, doc); err != nil {
			return nil, fmt.Errorf("add schema resource %s: %w", name, err)
		}
	}
	frame, err := c.Compile("frame.json")
	if err != nil {
		return nil, fmt.Errorf("compile frame schema: %w", err)
	}
	connect, err := c.Compile("connect.json")
	if err != nil {
		return nil, fmt.Errorf("compile connect schema: %w", err)
	}
	return &compiledSchemas{frame: frame, connect: connect}, nil
})

func validateFrame(data []byte) error {
	return validateAgainst(data, func(s *compiledSchemas) *jsonschema.Schema { return s.frame })
}

func validateConnect(data []byte) error {
	return validateAgainst(data, func(s *compiledSchemas) *jsonschema.Schema { return s.connect })
}

func validateAgainst(data []byte, pick func(*compiledSchemas) *jsonschema.Schema) error {
	schemas, err := loadSchemas()
	if err != nil {
		return err
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	if err := pick(schemas).Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	return nil
}
