package supervisor

import "strings"

// keyMap translates key names to raw terminal escape sequences.
// Anything not present is typed verbatim.
var keyMap = map[string]string{
	"up":    "\x1b[A",
	"down":  "\x1b[B",
	"right": "\x1b[C",
	"left":  "\x1b[D",

	"enter":  "\r",
	"return": "\r",

	"escape": "\x1b",
	"esc":    "\x1b",

	"tab":       "\t",
	"backspace": "\x7f",
	"delete":    "\x1b[3~",

	"home":     "\x1b[H",
	"end":      "\x1b[F",
	"pageup":   "\x1b[5~",
	"pagedown": "\x1b[6~",

	"space": " ",
}

func init() {
	for c := 'a'; c <= 'z'; c++ {
		keyMap["ctrl+"+string(c)] = string(rune(c - 'a' + 1))
	}
}

// TranslateKey maps a key name to its escape sequence. The second
// return reports whether the name was recognized; unknown keys are
// returned unchanged for literal typing.
func TranslateKey(key string) (string, bool) {
	if seq, ok := keyMap[strings.ToLower(strings.TrimSpace(key))]; ok {
		return seq, true
	}
	return key, false
}
