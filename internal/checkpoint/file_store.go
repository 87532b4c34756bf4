package checkpoint

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"chronicle/internal/logging"
	"chronicle/internal/protocol"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"gopkg.in/yaml.v3"
)

const fileExtension = ".yaml.zst"

// FileStore keeps one zstd-compressed YAML file per checkpoint under
// <dir>/<session id>/.
type FileStore struct {
	dir    string
	logger *logging.Logger
	now    func() time.Time
}

func NewFileStore(dir string, logger *logging.Logger) *FileStore {
	if logger == nil {
		logger = logging.NewDiscardLogger()
	}
	return &FileStore{
		dir:    strings.TrimSpace(dir),
		logger: logger.With(map[string]string{logging.FieldCategory: "checkpoint"}),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (store *FileStore) Dir() string {
	if store == nil {
		return ""
	}
	return store.dir
}

func (store *FileStore) Save(ctx context.Context, checkpoint Checkpoint) (Summary, error) {
	if err := ctx.Err(); err != nil {
		return Summary{}, err
	}
	if store == nil || store.dir == "" {
		return Summary{}, errors.New("checkpoint directory required")
	}
	if !protocol.ValidSessionID(checkpoint.SessionID) {
		return Summary{}, fmt.Errorf("invalid session id %q", checkpoint.SessionID)
	}
	if checkpoint.ID == "" {
		checkpoint.ID = uuid.NewString()
	}
	if _, err := uuid.Parse(checkpoint.ID); err != nil {
		return Summary{}, fmt.Errorf("%w: %q", ErrInvalidID, checkpoint.ID)
	}
	if checkpoint.CreatedAt.IsZero() {
		checkpoint.CreatedAt = store.now()
	}

	data, err := encode(checkpoint)
	if err != nil {
		return Summary{}, err
	}
	sessionDir := filepath.Join(store.dir, checkpoint.SessionID)
	if err := os.MkdirAll(sessionDir, 0o755); err != nil {
		return Summary{}, err
	}
	target := filepath.Join(sessionDir, checkpoint.ID+fileExtension)
	if err := writeFileAtomic(target, data); err != nil {
		return Summary{}, err
	}
	store.logger.Info("checkpoint saved", map[string]string{
		logging.FieldSessionID: checkpoint.SessionID,
		"checkpoint.id":        checkpoint.ID,
		"bytes":                fmt.Sprint(len(data)),
	})
	return checkpoint.summary(int64(len(data))), nil
}

func (store *FileStore) Load(ctx context.Context, sessionID, id string) (Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return Checkpoint{}, err
	}
	if !protocol.ValidSessionID(sessionID) {
		return Checkpoint{}, ErrNotFound
	}
	if _, err := uuid.Parse(id); err != nil {
		return Checkpoint{}, fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	checkpoint, _, err := store.read(filepath.Join(store.dir, sessionID, id+fileExtension))
	if errors.Is(err, fs.ErrNotExist) {
		return Checkpoint{}, ErrNotFound
	}
	if err != nil {
		return Checkpoint{}, err
	}
	return checkpoint, nil
}

// List returns the session's checkpoints, newest first.
func (store *FileStore) List(ctx context.Context, sessionID string) ([]Summary, error) {
	if !protocol.ValidSessionID(sessionID) {
		return nil, nil
	}
	entries, err := os.ReadDir(filepath.Join(store.dir, sessionID))
	if errors.Is(err, fs.ErrNotExist) {
		return []Summary{}, nil
	}
	if err != nil {
		return nil, err
	}
	summaries := make([]Summary, 0, len(entries))
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), fileExtension) {
			continue
		}
		path := filepath.Join(store.dir, sessionID, entry.Name())
		checkpoint, size, err := store.read(path)
		if err != nil {
			store.logger.Warn("checkpoint unreadable", map[string]string{
				"path":             path,
				logging.FieldError: err.Error(),
			})
			continue
		}
		summaries = append(summaries, checkpoint.summary(size))
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].CreatedAt.After(summaries[j].CreatedAt)
	})
	return summaries, nil
}

func (store *FileStore) read(path string) (Checkpoint, int64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Checkpoint{}, 0, err
	}
	checkpoint, err := decode(data)
	if err != nil {
		return Checkpoint{}, 0, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return checkpoint, int64(len(data)), nil
}

func encode(checkpoint Checkpoint) ([]byte, error) {
	var buffer bytes.Buffer
	encoder, err := zstd.NewWriter(&buffer)
	if err != nil {
		return nil, err
	}
	yamlEncoder := yaml.NewEncoder(encoder)
	yamlEncoder.SetIndent(2)
	if err := yamlEncoder.Encode(checkpoint); err != nil {
		_ = encoder.Close()
		return nil, err
	}
	if err := yamlEncoder.Close(); err != nil {
		_ = encoder.Close()
		return nil, err
	}
	if err := encoder.Close(); err != nil {
		return nil, err
	}
	return buffer.Bytes(), nil
}

func decode(data []byte) (Checkpoint, error) {
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return Checkpoint{}, err
	}
	defer decoder.Close()
	if err := decoder.Reset(bytes.NewReader(data)); err != nil {
		return Checkpoint{}, err
	}
	raw, err := io.ReadAll(decoder)
	if err != nil {
		return Checkpoint{}, err
	}
	var checkpoint Checkpoint
	if err := yaml.Unmarshal(raw, &checkpoint); err != nil {
		return Checkpoint{}, err
	}
	return checkpoint, nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".checkpoint-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}
