// Package chatfiles manages the per-chat directory layout under contextos/.
// Each chat owns contexto.txt (overwritten, encrypted at rest), perfil.txt
// (timestamped append log) and an optional operator-maintained objetivo.txt.
package chatfiles

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/hmunoz/wagent/pkg/crypto"
)

const dirPerm = 0o755

// Layout resolves and writes a chat's context files.
type Layout struct {
	root   string
	cipher *crypto.Cipher
}

// New creates a layout rooted at the contextos directory. cipher may be nil
// for read-only plaintext use.
func New(root string, cipher *crypto.Cipher) *Layout {
	return &Layout{root: root, cipher: cipher}
}

// SanitizeChatID maps a chat id to a filesystem-safe directory fragment.
// Phone-style ids keep digits, everything else degrades to underscores.
func SanitizeChatID(chatID string) string {
	var b strings.Builder
	for _, r := range chatID {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

// Dir returns the chat's directory, creating it if missing.
func (l *Layout) Dir(chatID string) (string, error) {
	dir := filepath.Join(l.root, "chat_"+SanitizeChatID(chatID))
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return "", errors.Wrap(err, "failed to create chat directory")
	}
	return dir, nil
}

// WriteContext overwrites contexto.txt with the two labelled sections,
// encrypted when a cipher is configured.
func (l *Layout) WriteContext(chatID, contextoPrioritario, estrategia string) error {
	dir, err := l.Dir(chatID)
	if err != nil {
		return err
	}

	content := fmt.Sprintf("CONTEXTO PRIORITARIO:\n%s\n\nESTRATEGIA:\n%s\n", contextoPrioritario, estrategia)
	if l.cipher != nil {
		content, err = l.cipher.Encrypt(content)
		if err != nil {
			return errors.Wrap(err, "failed to encrypt context file")
		}
	}

	return errors.Wrap(os.WriteFile(filepath.Join(dir, "contexto.txt"), []byte(content), 0o600), "failed to write contexto.txt")
}

// ReadContext returns the decrypted contexto.txt content, or empty when the
// file does not exist.
func (l *Layout) ReadContext(chatID string) (string, error) {
	dir, err := l.Dir(chatID)
	if err != nil {
		return "", err
	}

	raw, err := os.ReadFile(filepath.Join(dir, "contexto.txt"))
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrap(err, "failed to read contexto.txt")
	}

	if l.cipher != nil {
		return l.cipher.DecryptAuto(string(raw))
	}
	return string(raw), nil
}

// AppendProfile appends a timestamped entry to perfil.txt, preserving prior
// content. Each entry is encrypted as one line when a cipher is configured;
// plaintext entries from older files are left as they are.
func (l *Layout) AppendProfile(chatID, update string, now time.Time) error {
	dir, err := l.Dir(chatID)
	if err != nil {
		return err
	}

	entry := fmt.Sprintf("--- %s ---\n%s\n\n", now.Format("2006-01-02 15:04:05"), update)
	if l.cipher != nil {
		token, err := l.cipher.Encrypt(entry)
		if err != nil {
			return errors.Wrap(err, "failed to encrypt profile entry")
		}
		entry = token + "\n"
	}

	f, err := os.OpenFile(filepath.Join(dir, "perfil.txt"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return errors.Wrap(err, "failed to open perfil.txt")
	}
	defer f.Close()

	_, err = f.WriteString(entry)
	return errors.Wrap(err, "failed to append to perfil.txt")
}

// ReadProfile returns the decoded perfil.txt log, or empty when absent.
// Encrypted entries decrypt line by line; legacy plaintext passes through.
func (l *Layout) ReadProfile(chatID string) (string, error) {
	dir, err := l.Dir(chatID)
	if err != nil {
		return "", err
	}

	raw, err := os.ReadFile(filepath.Join(dir, "perfil.txt"))
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrap(err, "failed to read perfil.txt")
	}

	var b strings.Builder
	for _, line := range strings.Split(string(raw), "\n") {
		if l.cipher != nil && crypto.IsEncrypted(line) {
			entry, err := l.cipher.Decrypt(line)
			if err != nil {
				return "", errors.Wrap(err, "failed to decrypt profile entry")
			}
			b.WriteString(entry)
			continue
		}
		if line != "" {
			b.WriteString(line)
			b.WriteString("\n")
		}
	}
	return b.String(), nil
}

// ReadObjective returns the operator-written objetivo.txt, or empty when
// absent. Used as a fallback when the stored profile has no objective.
func (l *Layout) ReadObjective(chatID string) string {
	dir := filepath.Join(l.root, "chat_"+SanitizeChatID(chatID))
	raw, err := os.ReadFile(filepath.Join(dir, "objetivo.txt"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(raw))
}
