package transcode

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// Source is a container byte stream. Name is used as a format hint through
// its extension. A Source that also implements io.Seeker is treated as
// seekable.
type Source interface {
	io.Reader
	io.Closer
	Name() string
}

// DemuxerProvider is implemented by sources that produce packets themselves
// instead of container bytes (synthetic and native sources).
type DemuxerProvider interface {
	OpenDemuxer() (Demuxer, error)
}

// Sink receives the output container. Byte-oriented containers require the
// sink to implement io.Writer; endpoint sinks implement MuxerProvider.
type Sink interface {
	io.Closer
}

// MuxerProvider is implemented by sinks that bring their own muxer, such as
// network endpoints.
type MuxerProvider interface {
	OpenMuxer(streams []StreamDescriptor) (Muxer, error)
}

// Discarder is implemented by sinks that can remove partial output.
type Discarder interface {
	Discard() error
}

// fileSource opens its file on first use so open failures surface while the
// job is being opened.
type fileSource struct {
	path string
	once sync.Once
	f    *os.File
	err  error
}

// FileSource returns a seekable Source reading path.
func FileSource(path string) Source {
	return &fileSource{path: path}
}

func (s *fileSource) open() error {
	s.once.Do(func() {
		s.f, s.err = os.Open(s.path)
	})
	return s.err
}

func (s *fileSource) Name() string { return filepath.Base(s.path) }

func (s *fileSource) Read(p []byte) (int, error) {
	if err := s.open(); err != nil {
		return 0, err
	}
	return s.f.Read(p)
}

func (s *fileSource) Seek(offset int64, whence int) (int64, error) {
	if err := s.open(); err != nil {
		return 0, err
	}
	return s.f.Seek(offset, whence)
}

// Size returns the file size, used for progress estimates.
func (s *fileSource) Size() (int64, error) {
	if err := s.open(); err != nil {
		return 0, err
	}
	fi, err := s.f.Stat()
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

func (s *fileSource) Close() error {
	if s.f == nil {
		return nil
	}
	return s.f.Close()
}

type readerSource struct {
	io.Reader
	name string
}

type readSeekerSource struct {
	io.ReadSeeker
	name string
}

// ReaderSource wraps r as a Source. name is a format hint such as "in.wav".
// The source is seekable when r implements io.Seeker.
func ReaderSource(r io.Reader, name string) Source {
	if rs, ok := r.(io.ReadSeeker); ok {
		return &readSeekerSource{ReadSeeker: rs, name: name}
	}
	return &readerSource{Reader: r, name: name}
}

func (s *readerSource) Name() string { return s.name }
func (s *readerSource) Close() error { return closeIfCloser(s.Reader) }

func (s *readSeekerSource) Name() string { return s.name }
func (s *readSeekerSource) Close() error { return closeIfCloser(s.ReadSeeker) }

func closeIfCloser(v any) error {
	if c, ok := v.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// fileSink creates its file on first write.
type fileSink struct {
	path   string
	f      *os.File
	closed bool
}

// FileSink returns a Sink writing to path. Partial output can be removed
// with Discard.
func FileSink(path string) Sink {
	return &fileSink{path: path}
}

func (s *fileSink) Name() string { return filepath.Base(s.path) }

func (s *fileSink) open() error {
	if s.closed {
		return errors.New("sink closed")
	}
	if s.f != nil {
		return nil
	}
	f, err := os.Create(s.path)
	if err != nil {
		return err
	}
	s.f = f
	return nil
}

func (s *fileSink) Write(p []byte) (int, error) {
	if err := s.open(); err != nil {
		return 0, err
	}
	return s.f.Write(p)
}

func (s *fileSink) Seek(offset int64, whence int) (int64, error) {
	if err := s.open(); err != nil {
		return 0, err
	}
	return s.f.Seek(offset, whence)
}

func (s *fileSink) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if s.f == nil {
		return nil
	}
	return s.f.Close()
}

// Discard closes the sink and removes the file.
func (s *fileSink) Discard() error {
	closeErr := s.Close()
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("discard %s: %w", s.path, err)
	}
	return closeErr
}

type writerSink struct {
	io.Writer
}

type writeSeekerSink struct {
	io.WriteSeeker
}

// WriterSink wraps w as a Sink. Close closes w when it is an io.Closer.
func WriterSink(w io.Writer) Sink {
	if ws, ok := w.(io.WriteSeeker); ok {
		return &writeSeekerSink{WriteSeeker: ws}
	}
	return &writerSink{Writer: w}
}

func (s *writerSink) Close() error      { return closeIfCloser(s.Writer) }
func (s *writeSeekerSink) Close() error { return closeIfCloser(s.WriteSeeker) }
