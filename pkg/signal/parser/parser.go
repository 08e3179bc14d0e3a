package parser

import (
	"errors"

	"github.com/igolaizola/sigbridge/pkg/signal"
	"github.com/igolaizola/sigbridge/pkg/signal/parser/json"
)

var ErrNotFound = errors.New("parser: not found")

func NewParser(name string) (signal.Parser, error) {
	switch name {
	case "json":
		return json.Parser{}, nil
	case "text", "":
		return signal.NewParser()
	default:
		return nil, ErrNotFound
	}
}
