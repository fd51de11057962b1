package filestore

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/google/uuid"
)

var tokenRe = regexp.MustCompile(`^[A-Za-z0-9-]{8,128}$`)

// Tokens are opaque bearer tokens stored as empty marker files.
type Tokens struct {
	dir string
}

func NewTokens(dir string) (*Tokens, error) {
	if err := os.MkdirAll(dir, 0o770); err != nil {
		return nil, fmt.Errorf("create token directory %s: %w", dir, err)
	}
	return &Tokens{dir: dir}, nil
}

// List returns all tokens, creating one when none exist yet.
func (t *Tokens) List() ([]string, error) {
	entries, err := os.ReadDir(t.dir)
	if err != nil {
		return nil, fmt.Errorf("list tokens: %w", err)
	}
	var tokens []string
	for _, e := range entries {
		if !e.IsDir() && tokenRe.MatchString(e.Name()) {
			tokens = append(tokens, e.Name())
		}
	}
	if len(tokens) == 0 {
		token, err := t.Create()
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, token)
	}
	sort.Strings(tokens)
	return tokens, nil
}

func (t *Tokens) Create() (string, error) {
	token := strings.ToUpper(uuid.NewString())
	f, err := os.OpenFile(filepath.Join(t.dir, token), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o660)
	if err != nil {
		return "", fmt.Errorf("create token: %w", err)
	}
	return token, f.Close()
}

func (t *Tokens) Revoke(token string) error {
	if !tokenRe.MatchString(token) {
		return fmt.Errorf("invalid token %q", token)
	}
	err := os.Remove(filepath.Join(t.dir, token))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func (t *Tokens) Valid(token string) bool {
	if !tokenRe.MatchString(token) {
		return false
	}
	info, err := os.Stat(filepath.Join(t.dir, token))
	return err == nil && info.Mode().IsRegular()
}
