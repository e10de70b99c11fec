package analysis

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"
)

// Export file names, in lookup order.
const (
	ConversationsFile       = "conversations.json"
	SharedConversationsFile = "shared_conversations.json"
)

var (
	ErrNoArchive             = errors.New("no conversation archive found")
	ErrConversationNotFound  = errors.New("conversation not found")
	errNoConversationsInFile = errors.New("no conversations array found in top-level object")
)

// Conversation is one exported chat session.
type Conversation struct {
	ID          string                 `json:"id"`
	Title       string                 `json:"title,omitempty"`
	CreateTime  *float64               `json:"create_time,omitempty"`
	UpdateTime  *float64               `json:"update_time,omitempty"`
	CurrentNode string                 `json:"current_node,omitempty"`
	Mapping     map[string]MessageNode `json:"mapping,omitempty"`

	// Messages is the flat fallback some exports carry instead of a mapping.
	Messages []FlatMessage `json:"messages,omitempty"`

	// Raw is the undecoded archive element, kept only when LoadOptions.KeepRaw is set.
	Raw json.RawMessage `json:"-"`
}

// MessageNode is one node of the conversation tree.
type MessageNode struct {
	ID       string          `json:"id"`
	Message  *MessagePayload `json:"message"`
	Parent   *string         `json:"parent"`
	Children []string        `json:"children"`
}

type MessagePayload struct {
	Author     Author          `json:"author"`
	CreateTime *float64        `json:"create_time"`
	Content    json.RawMessage `json:"content"`
	Metadata   map[string]any  `json:"metadata"`
}

type Author struct {
	Role string  `json:"role"`
	Name *string `json:"name"`
}

// FlatMessage is an element of the degraded `messages` array.
type FlatMessage struct {
	Role    string          `json:"role"`
	Author  *Author         `json:"author,omitempty"`
	Content json.RawMessage `json:"content"`
}

func (m FlatMessage) role() string {
	if r := strings.TrimSpace(m.Role); r != "" {
		return r
	}
	if m.Author != nil {
		return strings.TrimSpace(m.Author.Role)
	}
	return ""
}

// Hidden reports whether the export marks the message as not shown to the user.
func (m MessagePayload) Hidden() bool {
	if len(m.Metadata) == 0 {
		return false
	}
	v, ok := m.Metadata["is_visually_hidden_from_conversation"]
	if !ok {
		return false
	}
	b, ok := v.(bool)
	return ok && b
}

// SourceTime is the newest timestamp known for the conversation, or the zero time.
func (c Conversation) SourceTime() time.Time {
	if t := unixToTime(c.UpdateTime); !t.IsZero() {
		return t
	}
	return unixToTime(c.CreateTime)
}

// Archive is a decoded export.
type Archive struct {
	Path          string
	ModTime       time.Time
	Conversations []Conversation
	Skipped       int
}

// Find returns the conversation with the given id.
func (a Archive) Find(id string) (Conversation, error) {
	for _, c := range a.Conversations {
		if c.ID == id {
			return c, nil
		}
	}
	return Conversation{}, fmt.Errorf("%w: %s", ErrConversationNotFound, id)
}

type LoadOptions struct {
	// ArrayField names the conversations array when the top-level JSON value is an object.
	// If empty, the first array-valued field is used.
	ArrayField string

	KeepRaw bool
	Logger  *zap.Logger
}

// LoadArchive decodes a conversations export. path may be a directory holding conversations.json
// (falling back to shared_conversations.json), a .json file, a zstd-compressed .json.zst file or a
// .zip export containing either file.
func LoadArchive(ctx context.Context, path string, opts LoadOptions) (Archive, error) {
	if ctx == nil {
		return Archive{}, errors.New("LoadArchive: ctx is nil")
	}
	if path == "" {
		return Archive{}, errors.New("LoadArchive: path is empty")
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	candidates, err := archiveCandidates(path)
	if err != nil {
		return Archive{}, err
	}

	var lastErr error
	for _, cand := range candidates {
		arch, err := loadCandidate(ctx, cand, opts, log)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			if ctx.Err() != nil {
				return Archive{}, ctx.Err()
			}
			log.Warn("archive: failed to load candidate", zap.String("path", cand.String()), zap.Error(err))
			lastErr = err
			continue
		}
		if len(arch.Conversations) == 0 {
			log.Info("archive: no conversations in candidate", zap.String("path", cand.String()))
			continue
		}
		log.Info("archive: loaded",
			zap.String("path", cand.String()),
			zap.Int("conversations", len(arch.Conversations)),
			zap.Int("skipped", arch.Skipped),
		)
		return arch, nil
	}
	if lastErr != nil {
		return Archive{}, fmt.Errorf("LoadArchive: %w", lastErr)
	}
	return Archive{}, fmt.Errorf("LoadArchive: %w under %s", ErrNoArchive, path)
}

// archiveSource names one file to try, optionally inside a zip.
type archiveSource struct {
	path  string
	entry string
}

func (s archiveSource) String() string {
	if s.entry == "" {
		return s.path
	}
	return s.path + "!" + s.entry
}

func archiveCandidates(path string) ([]archiveSource, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("LoadArchive: stat input: %w", err)
	}
	if fi.IsDir() {
		return []archiveSource{
			{path: filepath.Join(path, ConversationsFile)},
			{path: filepath.Join(path, SharedConversationsFile)},
		}, nil
	}
	if strings.EqualFold(filepath.Ext(path), ".zip") {
		return []archiveSource{
			{path: path, entry: ConversationsFile},
			{path: path, entry: SharedConversationsFile},
		}, nil
	}
	return []archiveSource{{path: path}}, nil
}

func loadCandidate(ctx context.Context, src archiveSource, opts LoadOptions, log *zap.Logger) (Archive, error) {
	fi, err := os.Stat(src.path)
	if err != nil {
		return Archive{}, err
	}
	rc, err := openArchiveSource(src)
	if err != nil {
		return Archive{}, err
	}
	defer rc.Close()

	arch := Archive{Path: src.String(), ModTime: fi.ModTime()}
	err = decodeConversations(ctx, rc, opts.ArrayField, func(raw json.RawMessage) {
		conv, err := decodeConversation(raw)
		if err != nil {
			arch.Skipped++
			log.Warn("archive: skipping conversation", zap.Error(err))
			return
		}
		if opts.KeepRaw {
			conv.Raw = append(json.RawMessage(nil), raw...)
		}
		arch.Conversations = append(arch.Conversations, conv)
	})
	if err != nil {
		return Archive{}, err
	}
	return arch, nil
}

type multiCloser struct {
	io.Reader
	closers []func() error
}

func (m multiCloser) Close() error {
	var first error
	for i := len(m.closers) - 1; i >= 0; i-- {
		if err := m.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func openArchiveSource(src archiveSource) (io.ReadCloser, error) {
	if src.entry != "" {
		return openZipEntry(src.path, src.entry)
	}
	f, err := os.Open(src.path)
	if err != nil {
		return nil, err
	}
	if strings.EqualFold(filepath.Ext(src.path), ".zst") {
		dec, err := zstd.NewReader(f)
		if err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("open zstd stream: %w", err)
		}
		return multiCloser{
			Reader: dec,
			closers: []func() error{f.Close, func() error {
				dec.Close()
				return nil
			}},
		}, nil
	}
	return f, nil
}

// openZipEntry opens the entry whose base name matches name, wherever it sits in the zip.
func openZipEntry(path, name string) (io.ReadCloser, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("open zip: %w", err)
	}
	for _, f := range zr.File {
		if f.FileInfo().IsDir() || filepath.Base(f.Name) != name {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			_ = zr.Close()
			return nil, fmt.Errorf("open zip entry %s: %w", f.Name, err)
		}
		return multiCloser{Reader: rc, closers: []func() error{zr.Close, rc.Close}}, nil
	}
	_ = zr.Close()
	return nil, fmt.Errorf("zip entry %s: %w", name, fs.ErrNotExist)
}

const defaultArrayField = "conversations"

// decodeConversations streams the elements of a top-level array, or of the chosen array field of a
// top-level object, into fn. The export is typically one huge line, so the full file is never held.
func decodeConversations(ctx context.Context, r io.Reader, arrayField string, fn func(json.RawMessage)) error {
	dec := json.NewDecoder(bufio.NewReaderSize(r, 1<<20))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("read first token: %w", err)
	}
	delim, ok := tok.(json.Delim)
	if !ok {
		return fmt.Errorf("expected JSON array/object, got %T", tok)
	}

	switch delim {
	case '[':
		return decodeArrayFromOpen(ctx, dec, fn)
	case '{':
		// Without arrayField a "conversations" array wins. Otherwise the first array is used,
		// buffered until the object ends in case "conversations" turns up later.
		found := false
		var fallback []json.RawMessage
		haveFallback := false
		for dec.More() {
			if err := ctx.Err(); err != nil {
				return err
			}
			keyTok, err := dec.Token()
			if err != nil {
				return fmt.Errorf("read object key: %w", err)
			}
			key, ok := keyTok.(string)
			if !ok {
				return fmt.Errorf("expected string key, got %T", keyTok)
			}
			valTok, err := dec.Token()
			if err != nil {
				return fmt.Errorf("read value token for key %q: %w", key, err)
			}
			d, isDelim := valTok.(json.Delim)
			isArray := isDelim && d == '['

			switch {
			case arrayField != "" && key == arrayField:
				if !isArray {
					return fmt.Errorf("key %q was chosen as array but value isn't an array", key)
				}
				found = true
				if err := decodeArrayFromOpen(ctx, dec, fn); err != nil {
					return err
				}
			case arrayField == "" && isArray && key == defaultArrayField:
				found = true
				if err := decodeArrayFromOpen(ctx, dec, fn); err != nil {
					return err
				}
			case arrayField == "" && isArray && !haveFallback:
				haveFallback = true
				if err := decodeArrayFromOpen(ctx, dec, func(raw json.RawMessage) { fallback = append(fallback, raw) }); err != nil {
					return err
				}
			default:
				if err := skipValue(dec, valTok); err != nil {
					return fmt.Errorf("skip key %q value: %w", key, err)
				}
			}
		}
		if _, err := dec.Token(); err != nil {
			return fmt.Errorf("read closing object token: %w", err)
		}
		if !found && haveFallback {
			for _, raw := range fallback {
				fn(raw)
			}
			found = true
		}
		if !found {
			return errNoConversationsInFile
		}
		return nil
	default:
		return fmt.Errorf("unsupported top-level delimiter %q", delim)
	}
}

// decodeArrayFromOpen consumes array elements and the closing ']'.
func decodeArrayFromOpen(ctx context.Context, dec *json.Decoder, fn func(json.RawMessage)) error {
	for dec.More() {
		if err := ctx.Err(); err != nil {
			return err
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return fmt.Errorf("decode conversation element: %w", err)
		}
		fn(raw)
	}
	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("read closing array token: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != ']' {
		return fmt.Errorf("expected closing ']', got %v", tok)
	}
	return nil
}

type rawConversation struct {
	ConversationID string                 `json:"conversation_id"`
	ID             string                 `json:"id"`
	Title          string                 `json:"title"`
	CreateTime     *float64               `json:"create_time"`
	UpdateTime     *float64               `json:"update_time"`
	CurrentNode    *string                `json:"current_node"`
	Mapping        map[string]MessageNode `json:"mapping"`
	Messages       []FlatMessage          `json:"messages"`
}

func decodeConversation(raw json.RawMessage) (Conversation, error) {
	var rc rawConversation
	if err := json.Unmarshal(raw, &rc); err != nil {
		return Conversation{}, fmt.Errorf("unmarshal conversation: %w", err)
	}
	id := rc.ID
	if id == "" {
		id = rc.ConversationID
	}
	if id == "" {
		return Conversation{}, errors.New("conversation element missing id/conversation_id")
	}
	conv := Conversation{
		ID:         id,
		Title:      rc.Title,
		CreateTime: rc.CreateTime,
		UpdateTime: rc.UpdateTime,
		Mapping:    rc.Mapping,
		Messages:   rc.Messages,
	}
	if rc.CurrentNode != nil {
		conv.CurrentNode = *rc.CurrentNode
	}
	return conv, nil
}

func skipValue(dec *json.Decoder, first json.Token) error {
	d, ok := first.(json.Delim)
	if !ok {
		// Primitive (string/number/bool/null): already fully consumed.
		return nil
	}
	switch d {
	case '{', '[':
	default:
		return fmt.Errorf("skipValue: unexpected delimiter %q", d)
	}

	depth := 1
	for depth > 0 {
		tok, err := dec.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return io.ErrUnexpectedEOF
			}
			return err
		}
		if dd, ok := tok.(json.Delim); ok {
			switch dd {
			case '{', '[':
				depth++
			case '}', ']':
				depth--
			}
		}
	}
	return nil
}
