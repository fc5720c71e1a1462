package ocr

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"sort"
	"strconv"
	"strings"
)

// RunFunc executes a command with stdin and returns its stdout.
type RunFunc func(ctx context.Context, name string, args []string, stdin []byte) ([]byte, error)

func execRun(ctx context.Context, name string, args []string, stdin []byte) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdin = bytes.NewReader(stdin)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("%s failed: %w: %s", name, err, strings.TrimSpace(stderr.String()))
	}
	return out, nil
}

// Tesseract runs the tesseract CLI and parses its TSV output.
type Tesseract struct {
	path     string
	language string
	run      RunFunc
	lookPath func(string) (string, error)
}

// TesseractOption configures a Tesseract engine.
type TesseractOption func(*Tesseract)

// WithRunner replaces process execution, mainly for tests.
func WithRunner(run RunFunc) TesseractOption {
	return func(t *Tesseract) {
		t.run = run
		t.lookPath = func(p string) (string, error) { return p, nil }
	}
}

func NewTesseract(path, language string, opts ...TesseractOption) *Tesseract {
	if path == "" {
		path = "tesseract"
	}
	if language == "" {
		language = "eng"
	}
	t := &Tesseract{path: path, language: language, run: execRun, lookPath: exec.LookPath}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tesseract) Name() string { return "tesseract" }

// Open checks that the binary can be found.
func (t *Tesseract) Open(context.Context) error {
	resolved, err := t.lookPath(t.path)
	if err != nil {
		return fmt.Errorf("tesseract binary not available: %w", err)
	}
	t.path = resolved
	return nil
}

func (t *Tesseract) Extract(ctx context.Context, image []byte) ([]Line, error) {
	out, err := t.run(ctx, t.path, []string{"stdin", "stdout", "-l", t.language, "tsv"}, image)
	if err != nil {
		return nil, err
	}
	return ParseTSV(out)
}

type lineKey struct{ block, par, line int }

type lineAcc struct {
	words                    []string
	left, top, right, bottom int
	confSum                  float64
	first                    int
}

// ParseTSV groups tesseract's word-level TSV rows into lines.
func ParseTSV(data []byte) ([]Line, error) {
	rows := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(rows) == 0 || !strings.HasPrefix(rows[0], "level") {
		return nil, fmt.Errorf("unexpected tesseract output: missing TSV header")
	}

	acc := make(map[lineKey]*lineAcc)
	for i, row := range rows[1:] {
		cols := strings.Split(strings.TrimRight(row, "\r"), "\t")
		if len(cols) < 12 {
			continue
		}
		text := strings.TrimSpace(cols[11])
		conf, err := strconv.ParseFloat(cols[10], 64)
		if text == "" || err != nil || conf < 0 {
			continue
		}
		nums := make([]int, 10)
		for j := 0; j < 10; j++ {
			if nums[j], err = strconv.Atoi(cols[j]); err != nil {
				return nil, fmt.Errorf("malformed tesseract row %d: %w", i+2, err)
			}
		}
		key := lineKey{block: nums[2], par: nums[3], line: nums[4]}
		left, top, width, height := nums[6], nums[7], nums[8], nums[9]

		a, ok := acc[key]
		if !ok {
			a = &lineAcc{left: left, top: top, right: left + width, bottom: top + height, first: i}
			acc[key] = a
		}
		a.words = append(a.words, text)
		a.confSum += conf
		a.left, a.top = min(a.left, left), min(a.top, top)
		a.right, a.bottom = max(a.right, left+width), max(a.bottom, top+height)
	}

	accs := make([]*lineAcc, 0, len(acc))
	for _, a := range acc {
		accs = append(accs, a)
	}
	sort.Slice(accs, func(i, j int) bool { return accs[i].first < accs[j].first })

	lines := make([]Line, 0, len(accs))
	for _, a := range accs {
		lines = append(lines, Line{
			Text:       strings.Join(a.words, " "),
			X:          float64(a.left),
			Y:          float64(a.top),
			Width:      float64(a.right - a.left),
			Height:     float64(a.bottom - a.top),
			Confidence: a.confSum / float64(len(a.words)) / 100,
		})
	}
	return lines, nil
}
