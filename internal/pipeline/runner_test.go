package pipeline

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crpwatch/crpwatch/internal/domain"
)

func encodePNG(t *testing.T, c color.Color) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

// captureSession serves canned screenshots; each capture pops the next.
type captureSession struct {
	*clickDriver
	shots      [][]byte
	captureErr error
	captures   int
	saves      int
}

func (s *captureSession) write(shotPath, htmlPath string) (domain.PageSnapshot, error) {
	shot := s.shots[0]
	if len(s.shots) > 1 {
		s.shots = s.shots[1:]
	}
	if err := os.WriteFile(shotPath, shot, 0o644); err != nil {
		return domain.PageSnapshot{}, err
	}
	if err := os.WriteFile(htmlPath, []byte("<html></html>"), 0o644); err != nil {
		return domain.PageSnapshot{}, err
	}
	return domain.PageSnapshot{URL: "https://paypa1-secure.com", ScreenshotPath: shotPath, HTMLPath: htmlPath, ImageWidth: 8, ImageHeight: 8}, nil
}

func (s *captureSession) Capture(_ context.Context, _ string, shotPath, htmlPath string) (domain.PageSnapshot, error) {
	s.captures++
	if s.captureErr != nil {
		return domain.PageSnapshot{}, s.captureErr
	}
	return s.write(shotPath, htmlPath)
}

func (s *captureSession) Save(_ context.Context, shotPath, htmlPath string) (domain.PageSnapshot, error) {
	s.saves++
	return s.write(shotPath, htmlPath)
}

func newTestRunner(t *testing.T, f *fixture, sink ResultSink, opts ...RunnerOption) (*Runner, string) {
	t.Helper()
	dir := t.TempDir()
	opts = append([]RunnerOption{
		WithRunnerSleeper(func(ctx context.Context, _ time.Duration) error { return ctx.Err() }),
	}, opts...)
	r := NewRunner(f.orchestrator(), sink, RunnerConfig{WorkDir: dir, BlankThreshold: 0.9}, nil, opts...)
	return r, dir
}

// bucket is an in-memory SnapshotStore keyed by identifier.
type bucket struct {
	steps     map[string][]int
	deleted   []string
	deleteErr error
}

func (b *bucket) UploadSnapshot(_ context.Context, id string, step int, _ domain.PageSnapshot) error {
	b.steps[id] = append(b.steps[id], step)
	return nil
}

func (b *bucket) DeleteArtefacts(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.deleted = append(b.deleted, id)
	delete(b.steps, id)
	return b.deleteErr
}

func TestRunner_RunWritesResultsAndSkipsKnown(t *testing.T) {
	f := newFixture()
	sink, err := NewFileSink(filepath.Join(t.TempDir(), "results.txt"))
	require.NoError(t, err)
	r, _ := newTestRunner(t, f, sink)

	session := &captureSession{clickDriver: &clickDriver{}, shots: [][]byte{encodePNG(t, color.Black)}}
	targets := []Target{
		{Identifier: "a1", URL: "https://paypa1-secure.com"},
		{Identifier: "a2", URL: "https://paypa1-secure.com/x"},
	}

	var seen []string
	sum, err := r.Run(context.Background(), targets, session, func(tg Target, res *domain.Result) {
		seen = append(seen, tg.Identifier)
	})
	require.NoError(t, err)
	assert.Equal(t, Summary{Investigated: 2, Phish: 2}, sum)
	assert.Equal(t, []string{"a1", "a2"}, seen)

	data, err := os.ReadFile(sink.path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "a1\tphish\tpaypal.com\t"))

	// a second run over the same file skips everything
	reopened, err := NewFileSink(sink.path)
	require.NoError(t, err)
	r2, _ := newTestRunner(t, newFixture(), reopened)
	sum, err = r2.Run(context.Background(), targets, session, nil)
	require.NoError(t, err)
	assert.Equal(t, Summary{Skipped: 2}, sum)
}

func TestRunner_CaptureFailureRemovesFolder(t *testing.T) {
	f := newFixture()
	sink, err := NewFileSink(filepath.Join(t.TempDir(), "results.txt"))
	require.NoError(t, err)
	r, dir := newTestRunner(t, f, sink)

	session := &captureSession{clickDriver: &clickDriver{}, captureErr: errors.New("net::ERR_NAME_NOT_RESOLVED")}
	_, err = r.RunOne(context.Background(), Target{Identifier: "gone", URL: "https://gone.test"}, session)
	require.Error(t, err)
	assert.True(t, domain.IsAppError(err))
	assert.NoDirExists(t, filepath.Join(dir, "gone"))

	ok, _ := sink.Exists(context.Background(), "gone")
	assert.False(t, ok)
}

func TestRunner_CaptureFailureDeletesStoredArtefacts(t *testing.T) {
	sink, err := NewFileSink(filepath.Join(t.TempDir(), "results.txt"))
	require.NoError(t, err)
	store := &bucket{steps: map[string][]int{"gone": {0, 1}, "kept": {0}}}
	r, _ := newTestRunner(t, newFixture(), sink, WithInitialUpload(store))

	session := &captureSession{clickDriver: &clickDriver{}, captureErr: errors.New("net::ERR_NAME_NOT_RESOLVED")}
	_, err = r.RunOne(context.Background(), Target{Identifier: "gone", URL: "https://gone.test"}, session)
	require.Error(t, err)

	assert.Equal(t, []string{"gone"}, store.deleted)
	assert.NotContains(t, store.steps, "gone")
	assert.Equal(t, []int{0}, store.steps["kept"])
}

func TestRunner_CaptureFailureDeletesAfterCancel(t *testing.T) {
	sink, err := NewFileSink(filepath.Join(t.TempDir(), "results.txt"))
	require.NoError(t, err)
	store := &bucket{steps: map[string][]int{"gone": {0}}, deleteErr: errors.New("bucket unreachable")}
	r, _ := newTestRunner(t, newFixture(), sink, WithInitialUpload(store))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	session := &captureSession{clickDriver: &clickDriver{}, captureErr: context.Canceled}
	_, err = r.RunOne(ctx, Target{Identifier: "gone", URL: "https://gone.test"}, session)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"gone"}, store.deleted)
}

func TestRunner_UploadsInitialCapture(t *testing.T) {
	sink, err := NewFileSink(filepath.Join(t.TempDir(), "results.txt"))
	require.NoError(t, err)
	store := &bucket{steps: map[string][]int{}}
	r, _ := newTestRunner(t, newFixture(), sink, WithInitialUpload(store))

	session := &captureSession{clickDriver: &clickDriver{}, shots: [][]byte{encodePNG(t, color.Black)}}
	_, err = r.RunOne(context.Background(), Target{Identifier: "a1", URL: "https://paypa1-secure.com"}, session)
	require.NoError(t, err)
	assert.Equal(t, []int{0}, store.steps["a1"])
	assert.Empty(t, store.deleted)
}

func TestRunner_RejectsIdentifierOutsideWorkDir(t *testing.T) {
	parent := t.TempDir()
	keep := filepath.Join(parent, "keep.txt")
	require.NoError(t, os.WriteFile(keep, []byte("x"), 0o644))

	sink, err := NewFileSink(filepath.Join(t.TempDir(), "results.txt"))
	require.NoError(t, err)
	r := NewRunner(newFixture().orchestrator(), sink, RunnerConfig{WorkDir: filepath.Join(parent, "work")}, nil)

	for _, id := range []string{"..", "../..", "../keep.txt", "a/b", "", "."} {
		t.Run(id, func(t *testing.T) {
			session := &captureSession{clickDriver: &clickDriver{}, captureErr: errors.New("net::ERR_NAME_NOT_RESOLVED")}
			_, err := r.RunOne(context.Background(), Target{Identifier: id, URL: "http://nonexistent.invalid"}, session)
			assert.ErrorIs(t, err, ErrInvalidIdentifier)
			assert.Zero(t, session.captures)
			assert.FileExists(t, keep)
		})
	}
}

func TestRunner_BlankPageRechecked(t *testing.T) {
	t.Run("still blank is skipped", func(t *testing.T) {
		sink, err := NewFileSink(filepath.Join(t.TempDir(), "results.txt"))
		require.NoError(t, err)
		r, _ := newTestRunner(t, newFixture(), sink)
		white := encodePNG(t, color.White)
		session := &captureSession{clickDriver: &clickDriver{}, shots: [][]byte{white, white}}

		sum, err := r.Run(context.Background(), []Target{{Identifier: "w", URL: "https://w.test"}}, session, nil)
		require.NoError(t, err)
		assert.Equal(t, Summary{Skipped: 1}, sum)
		assert.Equal(t, 1, session.saves)
	})

	t.Run("rendered on second look", func(t *testing.T) {
		sink, err := NewFileSink(filepath.Join(t.TempDir(), "results.txt"))
		require.NoError(t, err)
		r, _ := newTestRunner(t, newFixture(), sink)
		session := &captureSession{clickDriver: &clickDriver{}, shots: [][]byte{encodePNG(t, color.White), encodePNG(t, color.Black)}}

		res, err := r.RunOne(context.Background(), Target{Identifier: "w", URL: "https://w.test"}, session)
		require.NoError(t, err)
		assert.True(t, res.Verdict.IsPhish())
	})
}

func TestRunner_ContextCancelled(t *testing.T) {
	sink, err := NewFileSink(filepath.Join(t.TempDir(), "results.txt"))
	require.NoError(t, err)
	r, _ := newTestRunner(t, newFixture(), sink)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = r.Run(ctx, []Target{{Identifier: "x", URL: "https://x.test"}}, &captureSession{clickDriver: &clickDriver{}}, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestParseTargets(t *testing.T) {
	in := "# targets\nhttps://paypa1-secure.com/login\n\nabc123\thttps://example.test/\n"
	targets, err := ParseTargets(strings.NewReader(in))
	require.NoError(t, err)
	require.Len(t, targets, 2)
	assert.Equal(t, IdentifierFor("https://paypa1-secure.com/login"), targets[0].Identifier)
	assert.Equal(t, Target{Identifier: "abc123", URL: "https://example.test/"}, targets[1])

	_, err = ParseTargets(strings.NewReader("ftp://example.test\n"))
	assert.Error(t, err)

	_, err = ParseTargets(strings.NewReader("../..\thttps://example.test/\n"))
	assert.ErrorIs(t, err, ErrInvalidIdentifier)
}

func TestValidateIdentifier(t *testing.T) {
	for _, id := range []string{"abc123", "case-7", "a.b_c", IdentifierFor("https://a.test"), strings.Repeat("a", 128)} {
		assert.NoError(t, ValidateIdentifier(id), id)
	}
	for _, id := range []string{"", ".", "..", "../..", "a/b", `a\b`, "with space", strings.Repeat("a", 129)} {
		assert.ErrorIs(t, ValidateIdentifier(id), ErrInvalidIdentifier, id)
	}
}

type failingSink struct{ err error }

func (f failingSink) Exists(context.Context, string) (bool, error) { return false, f.err }
func (f failingSink) Save(context.Context, *domain.Result) error   { return f.err }

func TestSinks(t *testing.T) {
	file, err := NewFileSink(filepath.Join(t.TempDir(), "r.txt"))
	require.NoError(t, err)
	down := failingSink{err: errors.New("db down")}
	sinks := Sinks{down, file}
	ctx := context.Background()

	res := domain.NewResult("id1", "https://x.test", domain.Benign(domain.ReasonNoBrand), domain.Timings{}, 1)
	err = sinks.Save(ctx, res)
	assert.ErrorIs(t, err, down.err)

	ok, err := sinks.Exists(ctx, "id1")
	require.NoError(t, err)
	assert.True(t, ok)
}
