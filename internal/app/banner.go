package app

import (
	"bytes"
	"io"

	"github.com/dimiro1/banner"
)

// Version 在构建时通过 -ldflags 注入。
var Version = "dev"

// PrintBanner 输出启动横幅。
func PrintBanner(w io.Writer, title string) {
	tpl := "{{ .Title \"" + title + "\" \"\" 0 }}\nVersion: " + Version + "\nGo: {{ .GoVersion }}\n"
	banner.Init(w, true, false, bytes.NewBufferString(tpl))
}
