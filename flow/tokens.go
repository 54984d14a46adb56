package flow

import (
	"fmt"
	"strconv"
	"strings"
)

// ConnectionType is the internal edge label enum. On the wire (snapshot,
// flow files, client payloads) edges carry tokens: DEFAULT, SUCCESS,
// FAILURE and $i for option branches.
type ConnectionType string

const (
	ConnectionDefault ConnectionType = "default"
	ConnectionSuccess ConnectionType = "success"
	ConnectionFailure ConnectionType = "failure"
	ConnectionOption0 ConnectionType = "option_0"
	ConnectionOption1 ConnectionType = "option_1"
)

const optionPrefix = "option_"

// ParseConnectionToken maps a wire token to the internal enum. Option
// tokens follow the $<index> grammar. Unknown tokens, including the
// legacy CONDITIONAL label, map to default.
func ParseConnectionToken(token string) ConnectionType {
	switch strings.ToUpper(strings.TrimSpace(token)) {
	case "DEFAULT", "":
		return ConnectionDefault
	case "SUCCESS":
		return ConnectionSuccess
	case "FAILURE":
		return ConnectionFailure
	}
	if strings.HasPrefix(token, "$") {
		if idx, err := strconv.Atoi(token[1:]); err == nil && idx >= 0 {
			return OptionConnection(idx)
		}
	}
	return ConnectionDefault
}

// Token renders the external wire label for a connection type.
func (c ConnectionType) Token() string {
	switch c {
	case ConnectionDefault:
		return "DEFAULT"
	case ConnectionSuccess:
		return "SUCCESS"
	case ConnectionFailure:
		return "FAILURE"
	}
	if idx, ok := c.OptionIndex(); ok {
		return fmt.Sprintf("$%d", idx)
	}
	return "DEFAULT"
}

// OptionConnection returns the enum value for option branch i.
func OptionConnection(i int) ConnectionType {
	return ConnectionType(optionPrefix + strconv.Itoa(i))
}

// OptionIndex extracts the branch index from an option connection type.
func (c ConnectionType) OptionIndex() (int, bool) {
	s := string(c)
	if !strings.HasPrefix(s, optionPrefix) {
		return 0, false
	}
	idx, err := strconv.Atoi(s[len(optionPrefix):])
	if err != nil || idx < 0 {
		return 0, false
	}
	return idx, true
}

// NormalizeConnectionType accepts either an internal enum string or a
// wire token and returns the internal enum. Storage writes go through
// this so both historical spellings land on one representation.
func NormalizeConnectionType(raw string) ConnectionType {
	switch ConnectionType(raw) {
	case ConnectionDefault, ConnectionSuccess, ConnectionFailure:
		return ConnectionType(raw)
	}
	if ct := ConnectionType(raw); strings.HasPrefix(raw, optionPrefix) {
		if _, ok := ct.OptionIndex(); ok {
			return ct
		}
	}
	return ParseConnectionToken(raw)
}
