package ui

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"text/tabwriter"

	"github.com/c-bata/go-prompt"
	"github.com/c-bata/go-prompt/completer"

	"github.com/rudransh-shrivastava/peer-relay/internal/peer"
	"github.com/rudransh-shrivastava/peer-relay/internal/protocol"
)

var ErrNoMatch = errors.New("no such file")

var commands = []prompt.Suggest{
	{Text: "connect", Description: "Connect to the server"},
	{Text: "disconnect", Description: "Disconnect from the server"},
	{Text: "add", Description: "Share a local file"},
	{Text: "list", Description: "List files on the network"},
	{Text: "local", Description: "List files held locally"},
	{Text: "download", Description: "Download a file by id, prefix or list number"},
	{Text: "status", Description: "Show connection and download status"},
	{Text: "help", Description: "Show help"},
	{Text: "exit", Description: "Disconnect and exit"},
}

// Shell is the interactive terminal for one client. It also listens to
// the client and prints what happens.
type Shell struct {
	client *peer.Client
	bars   *Bars

	mu  sync.Mutex
	out io.Writer
}

func NewShell(client *peer.Client, out io.Writer) *Shell {
	w := &lockedWriter{w: out}
	s := &Shell{client: client, out: w, bars: NewBars(w)}
	client.Subscribe(s)
	return s
}

// Run reads commands until exit.
func (s *Shell) Run() {
	s.printf("peer-relay shell. Type 'help' for commands.\n")
	prompt.New(
		s.Execute,
		s.Complete,
		prompt.OptionPrefix("peer> "),
		prompt.OptionTitle("peer-relay"),
		prompt.OptionSetExitCheckerOnInput(func(in string, breakline bool) bool {
			return breakline && isExit(in)
		}),
	).Run()
}

func isExit(in string) bool {
	switch strings.TrimSpace(in) {
	case "exit", "quit":
		return true
	}
	return false
}

// Execute runs one command line.
func (s *Shell) Execute(in string) {
	blocks := strings.Fields(in)
	if len(blocks) == 0 {
		return
	}
	ctx := context.Background()

	switch blocks[0] {
	case "connect":
		if err := s.client.Connect(ctx); errors.Is(err, peer.ErrAlreadyConnected) {
			s.printf("Already connected to %s\n", s.client.ServerAddr())
		}
	case "disconnect":
		if err := s.client.Disconnect(); err != nil {
			s.printf("Error: %v\n", err)
			return
		}
		s.printf("Disconnected\n")
	case "add":
		if len(blocks) < 2 {
			s.printf("Usage: add <file_path>\n")
			return
		}
		path := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(in), "add"))
		// Failures are reported through OnError.
		_, _ = s.client.AddLocalFile(ctx, path)
	case "list":
		s.list()
	case "local":
		s.local()
	case "download":
		if len(blocks) < 2 {
			s.printf("Usage: download <file_id|prefix|number>\n")
			return
		}
		s.download(blocks[1])
	case "status":
		s.status()
	case "help":
		s.help()
	case "exit", "quit":
		if s.client.Connected() {
			_ = s.client.Disconnect()
		}
		s.printf("Bye\n")
	default:
		s.printf("Unknown command: %s\n", blocks[0])
	}
}

// Complete suggests commands, file ids for download and paths for add.
func (s *Shell) Complete(d prompt.Document) []prompt.Suggest {
	before := d.TextBeforeCursor()
	fields := strings.Fields(before)
	if len(fields) == 0 || (len(fields) == 1 && !strings.HasSuffix(before, " ")) {
		return prompt.FilterHasPrefix(commands, d.GetWordBeforeCursor(), true)
	}

	switch fields[0] {
	case "download":
		var out []prompt.Suggest
		for _, f := range s.client.Files() {
			out = append(out, prompt.Suggest{Text: f.FileID, Description: f.Filename})
		}
		return prompt.FilterHasPrefix(out, d.GetWordBeforeCursor(), true)
	case "add":
		files := completer.FilePathCompleter{IgnoreCase: true}
		return files.Complete(d)
	}
	return nil
}

func (s *Shell) download(arg string) {
	desc, err := ResolveFile(s.client.Files(), arg)
	if err != nil {
		s.printf("Error: %v\n", err)
		return
	}

	err = s.client.Download(desc.FileID)
	switch {
	case errors.Is(err, peer.ErrAlreadyDownloaded):
		s.printf("%s is already downloaded\n", desc.Filename)
	case err != nil:
		s.printf("Error: %v\n", err)
	default:
		s.printf("Downloading %s (%d parts)\n", desc.Filename, desc.PartsCount)
	}
}

// ResolveFile finds arg in files as a file id, a unique id prefix or a
// 1-based position in the listing.
func ResolveFile(files []protocol.FileDescriptor, arg string) (protocol.FileDescriptor, error) {
	for _, f := range files {
		if f.FileID == arg {
			return f, nil
		}
	}

	if n, err := strconv.Atoi(arg); err == nil {
		if n >= 1 && n <= len(files) {
			return files[n-1], nil
		}
		return protocol.FileDescriptor{}, fmt.Errorf("%w: #%d", ErrNoMatch, n)
	}

	var match []protocol.FileDescriptor
	for _, f := range files {
		if strings.HasPrefix(f.FileID, arg) {
			match = append(match, f)
		}
	}
	switch len(match) {
	case 0:
		return protocol.FileDescriptor{}, fmt.Errorf("%w: %s", ErrNoMatch, arg)
	case 1:
		return match[0], nil
	default:
		return protocol.FileDescriptor{}, fmt.Errorf("%q matches %d files", arg, len(match))
	}
}

func (s *Shell) list() {
	if !s.client.Connected() {
		s.printf("Not connected\n")
		return
	}
	files := s.client.Files()
	if len(files) == 0 {
		s.printf("No files available\n")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	w := tabwriter.NewWriter(s.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "#\tNAME\tSIZE\tPARTS\tSTATUS\tID")
	for i, f := range files {
		fmt.Fprintf(w, "%d\t%s\t%d\t%d/%d\t%s\t%s\n",
			i+1, f.Filename, f.Size, len(f.Parts), f.PartsCount, s.fileStatus(f.FileID), f.FileID)
	}
	_ = w.Flush()
}

func (s *Shell) local() {
	files := s.client.Downloads().LocalFiles()
	if len(files) == 0 {
		s.printf("No local files in %s\n", s.client.Downloads().Dir())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	w := tabwriter.NewWriter(s.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tSIZE\tID")
	for _, f := range files {
		fmt.Fprintf(w, "%s\t%d\t%s\n", f.Filename, f.Size, f.FileID)
	}
	_ = w.Flush()
}

func (s *Shell) fileStatus(fileID string) string {
	d := s.client.Downloads()
	if d.HasFile(fileID) {
		return "complete"
	}
	state, ok := d.State(fileID)
	if !ok {
		return "available"
	}
	if state == peer.StateDownloading {
		have, total, _ := d.Progress(fileID)
		return fmt.Sprintf("%d/%d", have, total)
	}
	return state.String()
}

func (s *Shell) status() {
	if s.client.Connected() {
		s.printf("Connected to %s\n", s.client.ServerAddr())
	} else {
		s.printf("Not connected (server %s)\n", s.client.ServerAddr())
	}
	s.printf("Download directory: %s\n", s.client.Downloads().Dir())
	s.printf("Local files: %d, active downloads: %d\n", len(s.client.Downloads().LocalFiles()), s.bars.Active())
}

func (s *Shell) help() {
	s.printf("Available commands:\n")
	for _, c := range commands {
		s.printf("  %-12s %s\n", c.Text, c.Description)
	}
}

func (s *Shell) printf(format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.out, format, args...)
}

func (s *Shell) OnProgress(fileID, name string, have, total int) {
	s.bars.Update(fileID, name, have, total)
}

func (s *Shell) OnComplete(fileID, name string) {
	s.bars.Finish(fileID)
	s.printf("\nDownload complete: %s\n", name)
}

func (s *Shell) OnRetry(_, name string, part, attempt int) {
	s.printf("\nPart %d of %s failed verification, retrying (%d/%d)\n", part, name, attempt, peer.MaxAttempts-1)
}

func (s *Shell) OnFailed(fileID, name string, err error) {
	s.bars.Drop(fileID)
	s.printf("\nDownload failed: %s: %v\n", name, err)
}

func (s *Shell) OnFileList(files []protocol.FileDescriptor) {
	s.printf("\n%d file(s) available\n", len(files))
}

func (s *Shell) OnInfo(title, msg string) {
	s.printf("[%s] %s\n", title, msg)
}

func (s *Shell) OnError(title, msg string) {
	s.printf("[%s] %s\n", title, msg)
}

var _ peer.Listener = (*Shell)(nil)
