// Command blpp preprocesses BLCS source files into plain TorqueScript.
//
// Usage:
//
//	blpp [-h] [-d] (-w | -X) [-q] [-e] path
//
// In single-shot mode (-X) the given file — or, with -d, every .blcs file
// under the given directory — is preprocessed once and the command exits.
// In watch mode (-w) the command keeps running and re-preprocesses a file
// whenever it changes on disk.
//
// Output files are written next to their inputs, with the .blcs extension
// replaced by .cs. Empty outputs (files containing only directives) are
// skipped unless -e is given. The exit code is 0 on success and 1 on any
// failure.
package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/urfave/cli/v2"

	blpp "github.com/Elletra/BLPP"
)

func main() {
	app := &cli.App{
		Name:      "blpp",
		Usage:     "preprocess BLCS source files into TorqueScript",
		ArgsUsage: "path",
		HideHelpCommand: true,
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "directory",
				Aliases: []string{"d"},
				Usage:   "treat path as a directory and process every .blcs file in it",
			},
			&cli.BoolFlag{
				Name:    "watch",
				Aliases: []string{"w"},
				Usage:   "watch path and re-process files as they change",
			},
			&cli.BoolFlag{
				Name:    "cli",
				Aliases: []string{"X"},
				Usage:   "process path once and exit",
			},
			&cli.BoolFlag{
				Name:    "quiet",
				Aliases: []string{"q"},
				Usage:   "suppress non-error output",
			},
			&cli.BoolFlag{
				Name:    "output-empty",
				Aliases: []string{"e"},
				Usage:   "write output files even when they would be empty",
			},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "blpp: %v\n", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	if c.NArg() != 1 {
		return errors.New("expected exactly one path argument")
	}
	if c.Bool("watch") == c.Bool("cli") {
		return errors.New("exactly one of -w/--watch or -X/--cli is required")
	}

	r := &runner{
		quiet:       c.Bool("quiet"),
		outputEmpty: c.Bool("output-empty"),
	}
	target := c.Args().First()

	if c.Bool("watch") {
		return r.watch(target, c.Bool("directory"))
	}
	if c.Bool("directory") {
		return r.processDir(target)
	}
	return r.processFile(target)
}

type runner struct {
	quiet       bool
	outputEmpty bool
}

func (r *runner) logf(format string, args ...any) {
	if !r.quiet {
		fmt.Printf(format+"\n", args...)
	}
}

// processFile runs one top-level preprocessing job rooted at the given
// file and writes the outputs of every file the job touched.
func (r *runner) processFile(name string) error {
	abs, err := filepath.Abs(name)
	if err != nil {
		return err
	}
	dir := filepath.Dir(abs)

	files, err := blpp.New(os.DirFS(dir)).Run(filepath.Base(abs))
	if err != nil {
		return err
	}
	for _, f := range files {
		content := f.Render()
		if content == "" && !r.outputEmpty {
			continue
		}
		out := filepath.Join(dir, filepath.FromSlash(f.OutputPath()))
		if err := os.WriteFile(out, []byte(content), 0o644); err != nil {
			return err
		}
		r.logf("wrote %s", out)
	}
	return nil
}

// processDir runs a top-level job per .blcs file under dir.
func (r *runner) processDir(dir string) error {
	sources, err := findSources(dir)
	if err != nil {
		return err
	}
	for _, name := range sources {
		if err := r.processFile(name); err != nil {
			return err
		}
	}
	return nil
}

func findSources(dir string) ([]string, error) {
	var sources []string
	err := filepath.WalkDir(dir, func(name string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && filepath.Ext(name) == blpp.DefaultExtension {
			sources = append(sources, name)
		}
		return nil
	})
	return sources, err
}

// watch re-processes files as change events arrive. Errors in watched
// files and errors reported by the watcher are logged and watching
// resumes; the loop ends only when the watcher's channels close.
func (r *runner) watch(target string, isDir bool) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	watchDir := target
	if !isDir {
		watchDir = filepath.Dir(target)
	}
	if err := addRecursive(watcher, watchDir); err != nil {
		return err
	}
	r.logf("watching %s", watchDir)

	deb := newDebouncer(100 * time.Millisecond)
	for {
		select {
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op.Has(fsnotify.Create) {
				if st, err := os.Stat(ev.Name); err == nil && st.IsDir() {
					addRecursive(watcher, ev.Name)
					continue
				}
			}
			if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) {
				continue
			}
			if filepath.Ext(ev.Name) != blpp.DefaultExtension {
				continue
			}
			if !isDir && filepath.Base(ev.Name) != filepath.Base(target) {
				continue
			}
			if !deb.allow(ev.Name, ev.Op, time.Now()) {
				continue
			}
			if err := r.processFile(ev.Name); err != nil {
				fmt.Fprintf(os.Stderr, "blpp: %v\n", err)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			fmt.Fprintf(os.Stderr, "blpp: watch: %v\n", err)
		}
	}
}

func addRecursive(watcher *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(name string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return watcher.Add(name)
		}
		return nil
	})
}

// debouncer drops change events that arrive within the window of the last
// accepted event for the same (path, op) pair. File-change notifiers
// routinely deliver several events per save.
type debouncer struct {
	window time.Duration

	mu   sync.Mutex
	last map[debounceKey]time.Time
}

type debounceKey struct {
	path string
	op   fsnotify.Op
}

func newDebouncer(window time.Duration) *debouncer {
	return &debouncer{window: window, last: make(map[debounceKey]time.Time)}
}

// allow reports whether the event at the given time should be processed,
// recording it as the last accepted event if so.
func (d *debouncer) allow(path string, op fsnotify.Op, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := debounceKey{path: path, op: op}
	if last, ok := d.last[key]; ok && now.Sub(last) < d.window {
		return false
	}
	d.last[key] = now
	return true
}
