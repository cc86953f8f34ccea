package config

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
)

type EnvResult struct {
	Path   string
	Loaded bool
	Keys   int
	Err    error
}

// LoadEnv walks upward from the working directory looking for a .env file
// and loads it into the process environment. Existing variables win.
func LoadEnv() EnvResult {
	if override := strings.TrimSpace(os.Getenv("DRAFTSMAN_ENV_PATH")); override != "" {
		return LoadEnvPath(override)
	}
	cwd, err := os.Getwd()
	if err != nil {
		return EnvResult{Err: err}
	}
	path := findUpwards(cwd, ".env")
	if path == "" {
		return EnvResult{}
	}
	return LoadEnvPath(path)
}

func LoadEnvPath(path string) EnvResult {
	res := EnvResult{Path: path}
	file, err := os.Open(path)
	if err != nil {
		res.Err = err
		return res
	}
	defer file.Close()
	res.Loaded = true
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "export ") {
			line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		}
		key, value, ok := splitEnvLine(line)
		if !ok {
			continue
		}
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		if err := os.Setenv(key, value); err != nil {
			res.Err = err
			return res
		}
		res.Keys++
	}
	if err := scanner.Err(); err != nil {
		res.Err = err
	}
	return res
}

func splitEnvLine(line string) (string, string, bool) {
	idx := strings.Index(line, "=")
	if idx <= 0 {
		return "", "", false
	}
	key := strings.TrimSpace(line[:idx])
	if key == "" {
		return "", "", false
	}
	value := stripQuotes(strings.TrimSpace(line[idx+1:]))
	return key, value, true
}

func stripQuotes(value string) string {
	if len(value) < 2 {
		return value
	}
	first := value[0]
	last := value[len(value)-1]
	if (first == '"' && last == '"') || (first == '\'' && last == '\'') {
		return value[1 : len(value)-1]
	}
	return value
}

func findUpwards(start, filename string) string {
	dir := start
	for {
		candidate := filepath.Join(dir, filename)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

func EnvBool(key string) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	default:
		return false
	}
}

// DataDir is where settings and logs live, overridable for tests.
func DataDir() (string, error) {
	if override := os.Getenv("DRAFTSMAN_DATA_DIR"); override != "" {
		return override, nil
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "draftsman"), nil
}
