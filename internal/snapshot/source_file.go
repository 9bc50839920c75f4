package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/ismaelgtc-ship-it/relay/internal/apperr"
)

// Fixture is the on-disk form of one subject read by FileSource.
type Fixture struct {
	Subject  RawSubject   `json:"subject" yaml:"subject"`
	Roles    []RawRole    `json:"roles" yaml:"roles"`
	Channels []RawChannel `json:"channels" yaml:"channels"`
}

// FileSource reads subjects from <dir>/<subjectID>.{yaml,yml,json}. Files
// are re-read on every call so edits show up on the next capture.
type FileSource struct {
	Dir string
}

func (s *FileSource) Subject(ctx context.Context, subjectID string) (RawSubject, error) {
	f, err := s.load(ctx, subjectID)
	if err != nil {
		return RawSubject{}, err
	}
	if f.Subject.ID == "" {
		f.Subject.ID = subjectID
	}
	return f.Subject, nil
}

func (s *FileSource) Roles(ctx context.Context, subjectID string) ([]RawRole, error) {
	f, err := s.load(ctx, subjectID)
	if err != nil {
		return nil, err
	}
	return f.Roles, nil
}

func (s *FileSource) Channels(ctx context.Context, subjectID string) ([]RawChannel, error) {
	f, err := s.load(ctx, subjectID)
	if err != nil {
		return nil, err
	}
	return f.Channels, nil
}

func (s *FileSource) load(ctx context.Context, subjectID string) (Fixture, error) {
	if err := ctx.Err(); err != nil {
		return Fixture{}, apperr.FromContext(err, "file source")
	}
	if subjectID == "" || subjectID != filepath.Base(subjectID) {
		return Fixture{}, apperr.New(apperr.BadRequest, "invalid subject id %q", subjectID)
	}

	for _, ext := range []string{".yaml", ".yml", ".json"} {
		path := filepath.Join(s.Dir, subjectID+ext)
		data, err := os.ReadFile(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return Fixture{}, apperr.Wrap(apperr.UpstreamUnavailable, err, "read %s", path)
		}

		var f Fixture
		if ext == ".json" {
			err = json.Unmarshal(data, &f)
		} else {
			err = yaml.Unmarshal(data, &f)
		}
		if err != nil {
			return Fixture{}, apperr.Wrap(apperr.UpstreamUnavailable, err, "parse %s", path)
		}
		return f, nil
	}
	return Fixture{}, apperr.New(apperr.NotFound, "no fixture for subject %q in %s", subjectID, s.Dir)
}

func (s *FileSource) String() string {
	return fmt.Sprintf("file(%s)", s.Dir)
}

var _ Source = (*FileSource)(nil)
