package acp

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// ValidateCommandInput checks user input against the input schema a slash
// command announced, before the prompt is sent. Commands without a schema
// accept anything.
func ValidateCommandInput(cmd CommandDescriptor, input map[string]any) error {
	if len(cmd.InputSchema) == 0 {
		return nil
	}

	schemaLoader := gojsonschema.NewBytesLoader(cmd.InputSchema)
	inputLoader := gojsonschema.NewGoLoader(input)

	result, err := gojsonschema.Validate(schemaLoader, inputLoader)
	if err != nil {
		return fmt.Errorf("validate input for /%s: %w", cmd.Name, err)
	}
	if result.Valid() {
		return nil
	}

	msgs := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		msgs = append(msgs, desc.String())
	}
	return fmt.Errorf("invalid input for /%s: %s", cmd.Name, strings.Join(msgs, "; "))
}

// FindCommand looks a slash command up by name in an announced command list.
func FindCommand(commands []CommandDescriptor, name string) (CommandDescriptor, bool) {
	for _, c := range commands {
		if c.Name == name {
			return c, true
		}
	}
	return CommandDescriptor{}, false
}
