package ui

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/c-bata/go-prompt"
	"github.com/c-bata/go-prompt/completer"
)

// AskDownloadDir prompts for the download directory, completing
// directory names. An empty answer picks def.
func AskDownloadDir(def string) string {
	dirs := completer.FilePathCompleter{
		IgnoreCase: true,
		Filter: func(fi os.FileInfo) bool {
			return fi.IsDir()
		},
	}
	in := prompt.Input("Download directory ["+def+"]: ", dirs.Complete,
		prompt.OptionTitle("peer-relay"),
		prompt.OptionCompletionWordSeparator(completer.FilePathCompletionSeparator),
	)
	return ResolveDownloadDir(in, def)
}

// ResolveDownloadDir turns a typed answer into a clean path, expanding a
// leading ~ to the home directory.
func ResolveDownloadDir(in, def string) string {
	in = strings.TrimSpace(in)
	if in == "" {
		return def
	}

	if in == "~" || strings.HasPrefix(in, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			in = filepath.Join(home, strings.TrimPrefix(in, "~"))
		}
	}
	return filepath.Clean(in)
}
