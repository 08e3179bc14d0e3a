package signal

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Direction string

const (
	Up   Direction = "UP"
	Down Direction = "DOWN"
)

// ParseDirection normalizes the side names used by providers and venues.
// BUY, LONG, CALL and RISE (with any LIMIT/STOP suffix) are buy-class.
func ParseDirection(s string) (Direction, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	s = strings.TrimSuffix(strings.TrimSuffix(s, " LIMIT"), " STOP")
	s = strings.TrimSuffix(strings.TrimSuffix(s, "_LIMIT"), "_STOP")
	switch s {
	case "UP", "BUY", "LONG", "CALL", "RISE", "HIGHER":
		return Up, nil
	case "DOWN", "SELL", "SHORT", "PUT", "FALL", "LOWER":
		return Down, nil
	}
	return "", fmt.Errorf("signal: unknown direction %q", s)
}

func (d Direction) IsBuy() bool {
	return d == Up
}

func (d Direction) Opposite() Direction {
	if d == Up {
		return Down
	}
	return Up
}

func (d Direction) String() string {
	return string(d)
}

// Signal is the canonical record produced by the provider parsers.
// A zero EntryPrice means the provider didn't publish one.
type Signal struct {
	ProviderID string
	Asset      string
	Direction  Direction
	EntryPrice decimal.Decimal
	Timeframe  string
	Pattern    string
	ReceivedAt time.Time
}

type Parser interface {
	Parse(text string) (*Signal, error)
}

type parser struct {
	word  *regexp.Regexp
	field *regexp.Regexp
	now   func() time.Time
}

// NewParser returns the plain text parser. Expected layout:
//
//	🔥PROVIDER
//	EURUSD BUY
//	Entry: 1.0850
//	Timeframe: H4
//	Pattern: wedge
//
// Only the first two lines are mandatory.
func NewParser() (Parser, error) {
	word, err := regexp.Compile(`[A-Z0-9_]+`)
	if err != nil {
		return nil, fmt.Errorf("signal: couldn't create regex: %w", err)
	}
	field, err := regexp.Compile(`^\s*([A-Z ]+?)\s*(?::|;)\s*(\S+)`)
	if err != nil {
		return nil, fmt.Errorf("signal: couldn't create regex: %w", err)
	}
	return &parser{
		word:  word,
		field: field,
		now:   time.Now,
	}, nil
}

func (p *parser) Parse(text string) (*Signal, error) {
	if strings.Contains(text, "✅") || strings.Contains(text, "❌") {
		return nil, errors.New("signal: result message, not a signal")
	}
	text = strings.ToUpper(text)
	lines := strings.Split(strings.TrimSpace(text), "\n")
	if len(lines) < 2 {
		return nil, fmt.Errorf("signal: not enough lines: %d", len(lines))
	}

	provider := p.word.FindString(lines[0])
	if provider == "" {
		return nil, fmt.Errorf("signal: couldn't parse provider: %s", lines[0])
	}

	words := strings.Fields(strings.NewReplacer("-", " ", "|", " ").Replace(lines[1]))
	if len(words) < 2 {
		return nil, fmt.Errorf("signal: couldn't parse asset and direction: %s", lines[1])
	}
	side := len(words) - 1
	if last := words[side]; (last == "LIMIT" || last == "STOP") && side > 1 {
		side--
	}
	dir, err := ParseDirection(strings.Join(words[side:], " "))
	if err != nil {
		return nil, err
	}
	asset := strings.ReplaceAll(strings.Join(words[:side], " "), "/", "")

	sig := &Signal{
		ProviderID: strings.ToLower(provider),
		Asset:      asset,
		Direction:  dir,
		ReceivedAt: p.now().UTC(),
	}
	for _, line := range lines[2:] {
		matches := p.field.FindStringSubmatch(line)
		if len(matches) < 3 {
			continue
		}
		value := matches[2]
		switch matches[1] {
		case "ENTRY", "ENTRADA", "PRICE", "OPEN":
			value = strings.Replace(value, ",", ".", 1)
			price, err := decimal.NewFromString(value)
			if err != nil {
				return nil, fmt.Errorf("signal: couldn't parse price %s: %w", value, err)
			}
			sig.EntryPrice = price
		case "TIMEFRAME", "TF":
			sig.Timeframe = value
		case "PATTERN":
			sig.Pattern = strings.ToLower(value)
		}
	}
	return sig, nil
}
