package qpkg

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"github.com/ulikunitz/xz"
)

type buildLog struct {
	pkg     string
	path    string
	content string
}

// logViewer is a full-screen viewer over the per-package build logs under the
// build root. Logs of running builds refresh live; finished builds show their
// compressed log.
type logViewer struct {
	cfg *Config

	app    *tview.Application
	header *tview.TextView
	body   *tview.TextView
	footer *tview.TextView

	logs   []buildLog
	active int
}

// RunLogViewer starts the interactive build log viewer. This is the
// `qpkg log` op.
func RunLogViewer(cfg *Config) error {
	v := &logViewer{cfg: cfg, app: tview.NewApplication()}

	v.header = tview.NewTextView().SetDynamicColors(true).SetWrap(false)
	v.header.SetBorder(true)
	v.header.SetTitle("qpkg build logs")

	v.body = tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false).
		SetScrollable(true).
		SetChangedFunc(func() { v.app.Draw() })
	v.body.SetBorder(true)

	v.footer = tview.NewTextView().SetDynamicColors(true).SetWrap(true)
	v.footer.SetBorder(true)
	v.footer.SetText("[gray]q quit | ←/→ (h/l) switch package | ↑/↓ scroll | Home/End jump[white]")

	flex := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(v.header, 3, 0, false).
		AddItem(v.body, 0, 1, true).
		AddItem(v.footer, 3, 0, false)

	flex.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Key() {
		case tcell.KeyCtrlQ, tcell.KeyEsc:
			v.app.Stop()
			return nil
		case tcell.KeyLeft:
			v.cycle(-1)
			return nil
		case tcell.KeyRight:
			v.cycle(1)
			return nil
		case tcell.KeyHome:
			v.body.ScrollToBeginning()
			return nil
		case tcell.KeyEnd:
			v.body.ScrollToEnd()
			return nil
		case tcell.KeyRune:
			switch event.Rune() {
			case 'q':
				v.app.Stop()
				return nil
			case 'h':
				v.cycle(-1)
				return nil
			case 'l':
				v.cycle(1)
				return nil
			}
		}
		return event
	})

	go func() {
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()
		for range ticker.C {
			logs := collectBuildLogs(v.cfg)
			v.app.QueueUpdateDraw(func() {
				v.logs = logs
				v.render(false)
			})
		}
	}()

	v.logs = collectBuildLogs(v.cfg)
	v.render(true)

	v.app.SetRoot(flex, true).SetFocus(v.body)
	return v.app.Run()
}

func (v *logViewer) cycle(delta int) {
	if len(v.logs) == 0 {
		return
	}
	v.active = (v.active + delta + len(v.logs)) % len(v.logs)
	v.render(true)
}

func (v *logViewer) render(scrollToEnd bool) {
	if len(v.logs) == 0 {
		v.header.SetText("[gray]no build logs found[white]")
		v.body.SetText("No build log yet. Run 'qpkg build <package>' to start one.")
		return
	}
	if v.active >= len(v.logs) {
		v.active = len(v.logs) - 1
	}
	log := v.logs[v.active]

	v.header.SetText(fmt.Sprintf("[gray]%d/%d  %s  (%s)[white]", v.active+1, len(v.logs), log.pkg, log.path))

	row, _ := v.body.GetScrollOffset()
	v.body.Clear()
	w := tview.ANSIWriter(v.body)
	io.WriteString(w, log.content)
	if scrollToEnd {
		v.body.ScrollToEnd()
	} else {
		v.body.ScrollTo(row, 0)
	}
}

// collectBuildLogs scans both build trees for plain and compressed logs,
// newest first. A live log shadows its compressed predecessor.
func collectBuildLogs(cfg *Config) []buildLog {
	var logs []buildLog

	for _, root := range []string{
		filepath.Join(cfg.General.BuildRoot, "pkg_builds"),
		filepath.Join(cfg.General.BuildRoot, "host_builds"),
	} {
		entries, err := os.ReadDir(root)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			plain := filepath.Join(root, e.Name(), buildLogName)
			path := plain
			if !fileExists(path) {
				path = plain + ".xz"
				if !fileExists(path) {
					continue
				}
			}
			content, err := readBuildLog(path)
			if err != nil {
				content = fmt.Sprintf("failed to read log: %v", err)
			}
			logs = append(logs, buildLog{pkg: e.Name(), path: path, content: content})
		}
	}

	sort.Slice(logs, func(i, j int) bool {
		si, err1 := os.Stat(logs[i].path)
		sj, err2 := os.Stat(logs[j].path)
		if err1 != nil || err2 != nil {
			return logs[i].path > logs[j].path
		}
		return si.ModTime().After(sj.ModTime())
	})
	return logs
}

func readBuildLog(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".xz") {
		xr, err := xz.NewReader(f)
		if err != nil {
			return "", err
		}
		r = xr
	}
	b, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
