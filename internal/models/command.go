package models

import "strings"

// Command is the instruction the terminal must execute.
type Command string

const (
	CommandSale   Command = "SALE"
	CommandVoid   Command = "VOID"
	CommandRefund Command = "REFUND"
)

// ParseCommand normalises a command name; ok is false for unsupported commands.
func ParseCommand(s string) (Command, bool) {
	c := Command(strings.ToUpper(strings.TrimSpace(s)))
	switch c {
	case CommandSale, CommandVoid, CommandRefund:
		return c, true
	}
	return "", false
}
