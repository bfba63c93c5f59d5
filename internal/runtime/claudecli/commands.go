package claudecli

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/conduit/internal/runtime"
)

// Command sources.
const (
	SourceUser    = "user"
	SourceProject = "project"
)

type commandFrontMatter struct {
	Description  string `yaml:"description"`
	ArgumentHint string `yaml:"argument-hint"`
}

// discoverCommands scans user and project command directories. Project
// commands shadow user commands of the same name.
func discoverCommands(ctx context.Context, home, cwd string, logger *slog.Logger) ([]runtime.CommandInfo, error) {
	byName := make(map[string]runtime.CommandInfo)
	if home != "" {
		if err := scanCommandDir(ctx, filepath.Join(home, ".claude", "commands"), SourceUser, byName, logger); err != nil {
			return nil, err
		}
	}
	if cwd != "" {
		if err := scanCommandDir(ctx, filepath.Join(cwd, ".claude", "commands"), SourceProject, byName, logger); err != nil {
			return nil, err
		}
	}

	out := make([]runtime.CommandInfo, 0, len(byName))
	for _, cmd := range byName {
		out = append(out, cmd)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func scanCommandDir(ctx context.Context, dir, source string, into map[string]runtime.CommandInfo, logger *slog.Logger) error {
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			logger.Debug("skipping unreadable command path", "path", path, "error", err)
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || !strings.EqualFold(filepath.Ext(path), ".md") {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return nil
		}
		name := strings.TrimSuffix(filepath.ToSlash(rel), filepath.Ext(rel))
		name = strings.ReplaceAll(name, "/", ":")

		data, err := os.ReadFile(path)
		if err != nil {
			logger.Debug("failed to read command", "path", path, "error", err)
			return nil
		}
		cmd := parseCommand(data)
		cmd.Name = name
		cmd.Source = source
		into[name] = cmd
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// parseCommand reads optional YAML front matter. Without a description the
// first non-blank body line is used.
func parseCommand(data []byte) runtime.CommandInfo {
	var cmd runtime.CommandInfo
	body := data
	if fm, rest, ok := splitFrontMatter(data); ok {
		var meta commandFrontMatter
		if err := yaml.Unmarshal(fm, &meta); err == nil {
			cmd.Description = strings.TrimSpace(meta.Description)
			cmd.ArgumentHint = strings.TrimSpace(meta.ArgumentHint)
		}
		body = rest
	}
	if cmd.Description == "" {
		scanner := bufio.NewScanner(bytes.NewReader(body))
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			cmd.Description = truncate(strings.TrimLeft(line, "# "), 120)
			break
		}
	}
	return cmd
}

func splitFrontMatter(data []byte) (front, rest []byte, ok bool) {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	if !bytes.HasPrefix(data, []byte("---")) {
		return nil, data, false
	}
	nl := bytes.IndexByte(data, '\n')
	if nl < 0 || strings.TrimSpace(string(data[:nl])) != "---" {
		return nil, data, false
	}
	remainder := data[nl+1:]
	for offset := 0; offset < len(remainder); {
		end := bytes.IndexByte(remainder[offset:], '\n')
		var line []byte
		if end < 0 {
			line = remainder[offset:]
			end = len(remainder) - offset
		} else {
			line = remainder[offset : offset+end]
		}
		if strings.TrimSpace(string(line)) == "---" {
			next := offset + end + 1
			if next > len(remainder) {
				next = len(remainder)
			}
			return remainder[:offset], remainder[next:], true
		}
		offset += end + 1
	}
	return nil, data, false
}
