package session

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/harun/devrel/internal/observability"
	"github.com/harun/devrel/internal/tracing"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

const (
	transcriptExt  = ".jsonl"
	archivedPrefix = "archived_"
)

// TranscriptEntry is one JSONL line of a transcript
type TranscriptEntry struct {
	SessionID string  `json:"sessionId"`
	Message   Message `json:"message"`
}

// Transcripts persists conversation history as one JSONL file per session.
type Transcripts struct {
	dir        string
	writeLocks map[string]*sync.Mutex
	locksMu    sync.Mutex
}

// NewTranscripts creates the transcript directory if needed
func NewTranscripts(dir string) (*Transcripts, error) {
	observability.EnsureRegistered()

	if dir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		dir = filepath.Join(homeDir, ".devrel", "transcripts")
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create transcript directory: %w", err)
	}

	log.Info().Str("dir", dir).Msg("Transcript store initialized")
	return &Transcripts{
		dir:        dir,
		writeLocks: make(map[string]*sync.Mutex),
	}, nil
}

// ValidateSessionID rejects ids that are empty or not path-safe
func ValidateSessionID(sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("session id cannot be empty")
	}
	if strings.Contains(sessionID, "..") {
		return fmt.Errorf("session id cannot contain '..'")
	}
	if strings.ContainsAny(sessionID, "/\\") {
		return fmt.Errorf("session id cannot contain path separators")
	}
	if strings.Contains(sessionID, "\x00") {
		return fmt.Errorf("session id cannot contain null bytes")
	}
	return nil
}

func (t *Transcripts) path(sessionID string) string {
	return filepath.Join(t.dir, sessionID+transcriptExt)
}

func (t *Transcripts) lockFor(sessionID string) *sync.Mutex {
	t.locksMu.Lock()
	defer t.locksMu.Unlock()

	if lock, ok := t.writeLocks[sessionID]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	t.writeLocks[sessionID] = lock
	return lock
}

func (t *Transcripts) dropLock(sessionID string) {
	t.locksMu.Lock()
	delete(t.writeLocks, sessionID)
	t.locksMu.Unlock()
}

// Append writes messages to the end of the session's transcript
func (t *Transcripts) Append(ctx context.Context, sessionID string, messages ...Message) error {
	ctx = tracing.WithSessionID(ctx, sessionID)
	ctx, span := tracing.StartSpan(ctx, "devrel.session", "transcript.append",
		attribute.String("session_id", sessionID),
		attribute.Int("messages", len(messages)),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, log.Logger)

	start := time.Now()
	defer func() {
		observability.RecordTranscriptSave(time.Since(start))
	}()

	if err := ValidateSessionID(sessionID); err != nil {
		tracing.RecordError(span, err)
		return err
	}
	if len(messages) == 0 {
		return nil
	}

	lock := t.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	file, err := os.OpenFile(t.path(sessionID), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		tracing.RecordError(span, err)
		return fmt.Errorf("failed to open transcript: %w", err)
	}
	defer file.Close()

	w := bufio.NewWriter(file)
	for _, msg := range messages {
		if msg.Role == "" || msg.Content == "" {
			continue
		}
		if msg.Timestamp.IsZero() {
			msg.Timestamp = time.Now()
		}
		data, err := json.Marshal(TranscriptEntry{SessionID: sessionID, Message: msg})
		if err != nil {
			tracing.RecordError(span, err)
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		w.Write(data)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		tracing.RecordError(span, err)
		return fmt.Errorf("failed to write transcript: %w", err)
	}
	if err := file.Sync(); err != nil {
		tracing.RecordError(span, err)
		return fmt.Errorf("failed to sync transcript: %w", err)
	}

	logger.Debug().Int("messages", len(messages)).Msg("Transcript appended")
	return nil
}

// Load reads every valid message of a transcript. Corrupt lines are skipped;
// a missing transcript yields an empty slice.
func (t *Transcripts) Load(ctx context.Context, sessionID string) ([]Message, error) {
	ctx = tracing.WithSessionID(ctx, sessionID)
	ctx, span := tracing.StartSpan(ctx, "devrel.session", "transcript.load",
		attribute.String("session_id", sessionID),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, log.Logger)

	if err := ValidateSessionID(sessionID); err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}

	file, err := os.Open(t.path(sessionID))
	if os.IsNotExist(err) {
		return []Message{}, nil
	}
	if err != nil {
		tracing.RecordError(span, err)
		return nil, fmt.Errorf("failed to open transcript: %w", err)
	}
	defer file.Close()

	messages := []Message{}
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var entry TranscriptEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			logger.Warn().Int("line", lineNum).Err(err).Msg("Failed to parse transcript line, skipping")
			continue
		}
		if entry.Message.Role == "" || entry.Message.Content == "" {
			continue
		}
		messages = append(messages, entry.Message)
	}
	if err := scanner.Err(); err != nil {
		tracing.RecordError(span, err)
		return nil, fmt.Errorf("failed to read transcript: %w", err)
	}

	return messages, nil
}

// Archive moves a transcript aside under an archived_ name so a reopened
// session starts a fresh file. Missing transcripts are ignored.
func (t *Transcripts) Archive(ctx context.Context, sessionID string) error {
	_, span := tracing.StartSpan(ctx, "devrel.session", "transcript.archive",
		attribute.String("session_id", sessionID),
	)
	defer span.End()

	if err := ValidateSessionID(sessionID); err != nil {
		tracing.RecordError(span, err)
		return err
	}

	lock := t.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()
	defer t.dropLock(sessionID)

	src := t.path(sessionID)
	if _, err := os.Stat(src); os.IsNotExist(err) {
		return nil
	}

	archivedID := fmt.Sprintf("%s%s_%d", archivedPrefix, sessionID, time.Now().UnixNano())
	if err := os.Rename(src, t.path(archivedID)); err != nil {
		tracing.RecordError(span, err)
		return fmt.Errorf("failed to archive transcript: %w", err)
	}

	log.Info().Str("session_id", sessionID).Str("archived_id", archivedID).Msg("Transcript archived")
	return nil
}

// Delete removes a transcript
func (t *Transcripts) Delete(ctx context.Context, sessionID string) error {
	_, span := tracing.StartSpan(ctx, "devrel.session", "transcript.delete",
		attribute.String("session_id", sessionID),
	)
	defer span.End()

	if err := ValidateSessionID(sessionID); err != nil {
		tracing.RecordError(span, err)
		return err
	}

	lock := t.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()
	defer t.dropLock(sessionID)

	if err := os.Remove(t.path(sessionID)); err != nil && !os.IsNotExist(err) {
		tracing.RecordError(span, err)
		return fmt.Errorf("failed to delete transcript: %w", err)
	}
	return nil
}

// List returns the ids of live (non-archived) transcripts
func (t *Transcripts) List() ([]string, error) {
	entries, err := os.ReadDir(t.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to read transcript directory: %w", err)
	}

	ids := []string{}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, transcriptExt) || strings.HasPrefix(name, archivedPrefix) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, transcriptExt))
	}
	return ids, nil
}

// PruneArchived deletes archived transcripts last modified before cutoff.
func (t *Transcripts) PruneArchived(cutoff time.Time) (int, error) {
	entries, err := os.ReadDir(t.dir)
	if err != nil {
		return 0, fmt.Errorf("failed to read transcript directory: %w", err)
	}

	deleted := 0
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, archivedPrefix) {
			continue
		}
		info, err := entry.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(t.dir, name)); err != nil {
			log.Warn().Err(err).Str("file", name).Msg("Failed to delete archived transcript")
			continue
		}
		deleted++
	}
	return deleted, nil
}
