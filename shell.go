package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"pixshare/gallery"
	"pixshare/imaging"
	"pixshare/network"
	"pixshare/viewer"
)

var errUsage = errors.New("usage")

const helpText = `commands:
  open <file|dir>        open an image, or the first image of a directory
  next | prev            step through the open directory
  info                   show metadata of the current image
  rotate [quarter-turns] rotate clockwise (default 1)
  flip h|v               mirror the image
  gray                   convert to grayscale
  resize <w> <h>         scale; 0 keeps the aspect ratio
  crop <x> <y> <w> <h>   keep a rectangle
  save <path>            encode to the format named by the extension
  peers                  list devices on the network
  share <peer>           offer the current image to a peer (name or id)
  accept | reject <id>   answer an incoming offer
  cancel <id>            cancel a transfer
  status <id>            show a transfer
  history [n]            show finished transfers
  quit`

// shell is the line-oriented front end used when no window system is present.
type shell struct {
	v           *viewer.Viewer
	downloadDir string

	outMu sync.Mutex
	out   io.Writer

	mu      sync.Mutex
	gallery *gallery.Gallery
}

func newShell(v *viewer.Viewer, out io.Writer, downloadDir string) *shell {
	return &shell{v: v, out: out, downloadDir: downloadDir}
}

func (s *shell) printf(format string, args ...any) {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	fmt.Fprintf(s.out, format+"\n", args...)
}

// run reads commands until EOF, quit, or ctx is done.
func (s *shell) run(ctx context.Context, in io.Reader) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if quit := s.exec(line); quit {
				return
			}
		}
	}
}

// exec runs one command line and reports whether the shell should exit.
func (s *shell) exec(line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	cmd, args := strings.ToLower(fields[0]), fields[1:]

	var err error
	switch cmd {
	case "quit", "exit":
		return true
	case "help":
		s.printf("%s", helpText)
	case "open":
		if len(args) != 1 {
			err = errUsage
			break
		}
		err = s.open(args[0])
	case "next", "prev":
		err = s.step(cmd == "next")
	case "info":
		err = s.info()
	case "rotate":
		turns := 1
		if len(args) == 1 {
			turns, err = strconv.Atoi(args[0])
		}
		if err == nil {
			err = s.v.Rotate(turns)
		}
	case "flip":
		switch {
		case len(args) == 1 && args[0] == "h":
			err = s.v.Edit(imaging.FlipHorizontal{})
		case len(args) == 1 && args[0] == "v":
			err = s.v.Edit(imaging.FlipVertical{})
		default:
			err = errUsage
		}
	case "gray":
		err = s.v.Edit(imaging.Grayscale{})
	case "resize":
		var n []int
		if n, err = ints(args, 2); err == nil {
			err = s.v.Edit(imaging.Resize{Width: n[0], Height: n[1]})
		}
	case "crop":
		var n []int
		if n, err = ints(args, 4); err == nil {
			err = s.v.Edit(imaging.Crop{Rect: image.Rect(n[0], n[1], n[0]+n[2], n[1]+n[3])})
		}
	case "save":
		if len(args) != 1 {
			err = errUsage
			break
		}
		err = s.save(args[0])
	case "peers":
		s.peers()
	case "share":
		if len(args) == 0 {
			err = errUsage
			break
		}
		var id string
		if id, err = s.v.ShareToPeer(strings.Join(args, " ")); err == nil {
			s.printf("offer %s sent", id)
		}
	case "accept", "reject":
		if len(args) != 1 {
			err = errUsage
			break
		}
		err = s.v.RespondToOffer(args[0], cmd == "accept")
	case "cancel":
		if len(args) != 1 {
			err = errUsage
			break
		}
		err = s.v.CancelTransfer(args[0])
	case "status":
		if len(args) != 1 {
			err = errUsage
			break
		}
		var snap network.Snapshot
		if snap, err = s.v.PollSessionState(args[0]); err == nil {
			s.printf("%s", describeSession(snap))
		}
	case "history":
		limit := 20
		if len(args) == 1 {
			limit, err = strconv.Atoi(args[0])
		}
		if err == nil {
			err = s.history(limit)
		}
	default:
		err = fmt.Errorf("unknown command %q", cmd)
	}

	switch {
	case errors.Is(err, errUsage):
		s.printf("usage error; type help")
	case err != nil:
		s.printf("error: %v", err)
	}
	return false
}

func ints(args []string, n int) ([]int, error) {
	if len(args) != n {
		return nil, errUsage
	}
	out := make([]int, n)
	for i, arg := range args {
		v, err := strconv.Atoi(arg)
		if err != nil {
			return nil, fmt.Errorf("%q is not a number", arg)
		}
		out[i] = v
	}
	return out, nil
}

// open loads a file, or the first image of a directory, and remembers the
// directory for next and prev.
func (s *shell) open(target string) error {
	info, err := os.Stat(target)
	if err != nil {
		return err
	}

	var g *gallery.Gallery
	if info.IsDir() {
		g, err = gallery.Scan(os.DirFS(target), ".")
	} else {
		g, err = gallery.Open(os.DirFS(filepath.Dir(target)), filepath.Base(target))
	}
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.gallery = g
	s.mu.Unlock()
	return s.show(g)
}

func (s *shell) step(forward bool) error {
	s.mu.Lock()
	g := s.gallery
	s.mu.Unlock()
	if g == nil {
		return gallery.ErrEmpty
	}

	var ok bool
	if forward {
		_, ok = g.Next()
	} else {
		_, ok = g.Prev()
	}
	if !ok {
		return gallery.ErrEmpty
	}
	return s.show(g)
}

func (s *shell) show(g *gallery.Gallery) error {
	name, data, err := g.Read()
	if err != nil {
		return err
	}
	modified, _ := g.ModTime()
	md, err := s.v.OpenImageFile(name, data, modified)
	if err != nil {
		return err
	}
	s.printf("[%d/%d] %s", g.Index()+1, g.Len(), formatMetadata(md))
	return nil
}

func (s *shell) info() error {
	md, err := s.v.Metadata()
	if err != nil {
		return err
	}
	s.printf("%s", formatMetadata(md))
	return nil
}

func formatMetadata(md imaging.Metadata) string {
	size := md.Size
	if size == "" {
		size = "unsaved"
	}
	line := fmt.Sprintf("%s  %s  %s  %s", md.Filename, md.Dimensions, size, md.Format)
	if md.Modified != "" {
		line += "  modified " + md.Modified
	}
	return line
}

func (s *shell) save(path string) error {
	format := imaging.FormatFromName(path)
	if !format.Encodable() {
		return fmt.Errorf("%w: %s", imaging.ErrUnsupportedFormat, filepath.Ext(path))
	}
	data, err := s.v.Convert(format, 0)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	s.printf("saved %s (%s)", path, imaging.FormatSize(int64(len(data))))
	return nil
}

func (s *shell) peers() {
	list := s.v.ListPeers()
	if len(list) == 0 {
		s.printf("no peers found")
		return
	}
	for _, p := range list {
		s.printf("%-20s %s  %s", p.Name, p.ID, p.Address())
	}
}

func (s *shell) history(limit int) error {
	records, err := s.v.History(limit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		s.printf("no transfers yet")
		return nil
	}
	for _, r := range records {
		line := fmt.Sprintf("%s  %-8s %-9s %-20s %s", r.SessionID, r.Direction, r.State, r.PeerName, r.Filename)
		if r.FailureCode != "" {
			line += "  (" + r.FailureCode + ")"
		}
		s.printf("%s", line)
	}
	return nil
}

// watch prints notifications and stores completed downloads until ctx is
// done or the viewer stops.
func (s *shell) watch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-s.v.Notifications():
			s.handle(n)
		}
	}
}

func (s *shell) handle(n viewer.Notification) {
	switch n.Kind {
	case viewer.NotifyPeerAdded:
		s.printf("peer online: %s (%s)", n.Peer.Name, n.Peer.Address())
	case viewer.NotifyPeerRemoved:
		s.printf("peer gone: %s (%s)", n.Peer.Name, n.Reason)
	case viewer.NotifySessionState:
		snap := n.Session
		if snap.Direction == network.Inbound {
			switch snap.State.(type) {
			case network.Negotiating:
				s.printf("%s wants to send %s (%s); accept %s or reject %s",
					snap.PeerName, snap.Filename, imaging.FormatSize(snap.Size), snap.ID, snap.ID)
				return
			case network.Completed:
				path, err := s.saveReceived(snap.ID)
				if err != nil {
					s.printf("error: store %s: %v", snap.Filename, err)
					return
				}
				s.printf("received %s from %s -> %s", snap.Filename, snap.PeerName, path)
				return
			}
		}
		s.printf("%s", describeSession(snap))
	}
}

func (s *shell) saveReceived(id string) (string, error) {
	payload, err := s.v.ReceivedPayload(id)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(s.downloadDir, 0o700); err != nil {
		return "", err
	}
	path := uniquePath(s.downloadDir, payload.Filename)
	if err := os.WriteFile(path, payload.Data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// uniquePath returns dir/name, or dir/name-N.ext for the first N that does
// not exist yet.
func uniquePath(dir, name string) string {
	name = filepath.Base(name)
	if name == "." || name == string(filepath.Separator) || name == "" {
		name = "received"
	}
	candidate := filepath.Join(dir, name)
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for i := 1; ; i++ {
		if _, err := os.Stat(candidate); errors.Is(err, os.ErrNotExist) {
			return candidate
		}
		candidate = filepath.Join(dir, fmt.Sprintf("%s-%d%s", stem, i, ext))
	}
}

func describeSession(snap network.Snapshot) string {
	line := fmt.Sprintf("%s %s %s %s: %s", snap.ID, snap.Direction, snap.PeerName, snap.Filename, snap.State.Name())
	switch st := snap.State.(type) {
	case network.Transferring:
		if st.Total > 0 {
			line += fmt.Sprintf(" %d%%", st.Bytes*100/st.Total)
		}
	case network.Failed:
		if st.Err != nil {
			line += " (" + st.Err.Error() + ")"
		}
	}
	return line
}
