// Package console implements the interactive terminal front end. Each line
// is either an exit word, a "!tool <name> <json>" direct tool invocation or
// a natural-language instruction forwarded to the chat service.
package console
