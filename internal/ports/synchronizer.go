package ports

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"go.uber.org/zap"

	fleeterrors "github.com/botherd/botherd/internal/common/errors"
	"github.com/botherd/botherd/internal/common/logger"
)

const (
	envFileName        = ".env"
	adapterConfigName  = "config.toml"
	envKeyPort         = "PORT"
	envKeyWebUIPort    = "WEBUI_PORT"
	envKeyWebUIEnabled = "WEBUI_ENABLED"
)

// tomlSections maps a bot type to the table paths holding the companion
// listener port and the linked bot-side port in the adapter config.
// MoFoxBot ships the adapter as a plugin, nesting the same two tables under
// the plugin path.
var tomlSections = map[string]struct {
	companion string
	linked    string
}{
	"MaiBot": {
		companion: "napcat_server",
		linked:    "maibot_server",
	},
	"MoFoxBot": {
		companion: "plugins.napcat_adapter.napcat_server",
		linked:    "plugins.napcat_adapter.maibot_server",
	},
}

// SyncResult reports the ports written to an instance's on-disk files.
type SyncResult struct {
	InstanceID    string
	PrimaryPort   int
	CompanionPort int
	// WebUIPort is zero when the web UI is disabled for the instance.
	WebUIPort   int
	EnvPath     string
	AdapterPath string
}

// Synchronizer writes allocated ports into an instance's environment file
// and adapter configuration. Both files are rewritten read-merge-write:
// every key the synchronizer does not own survives byte-for-byte, comments
// included.
type Synchronizer struct {
	alloc  *Allocator
	logger *logger.Logger
}

// NewSynchronizer creates a synchronizer backed by the given allocator.
func NewSynchronizer(alloc *Allocator, log *logger.Logger) *Synchronizer {
	if log == nil {
		log = logger.Default()
	}
	return &Synchronizer{alloc: alloc, logger: log}
}

// Sync determines and writes an instance's ports. The primary port prefers
// the value already on disk; a companion listener port is always allocated
// as a further distinct port, and a web UI port when webUIEnabled. The
// adapter config's linked bot-side field is written equal to the primary
// port and recorded as linked, exempt from the uniqueness check.
func (s *Synchronizer) Sync(instanceID, botType, rootDir, adapterDir string, webUIEnabled bool) (*SyncResult, error) {
	sections, ok := tomlSections[botType]
	if !ok {
		return nil, fmt.Errorf("unknown bot type %q", botType)
	}

	envPath := filepath.Join(rootDir, envFileName)
	envRaw, err := os.ReadFile(envPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fleeterrors.ConfigNotFound(envPath)
		}
		return nil, fmt.Errorf("failed to read env file: %w", err)
	}
	envValues, err := godotenv.Unmarshal(string(envRaw))
	if err != nil {
		return nil, fleeterrors.ConfigParseError(envPath, err)
	}

	adapterPath := filepath.Join(adapterDir, adapterConfigName)
	adapterRaw, err := os.ReadFile(adapterPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fleeterrors.ConfigNotFound(adapterPath)
		}
		return nil, fmt.Errorf("failed to read adapter config: %w", err)
	}
	var parsed map[string]interface{}
	if err := toml.Unmarshal(adapterRaw, &parsed); err != nil {
		return nil, fleeterrors.ConfigParseError(adapterPath, err)
	}

	// Allocation is keyed by role, so re-running a sync (or syncing after a
	// restart seeded the allocator from disk) maps every port back to the
	// file field it came from instead of leaking a fresh set.
	primary, err := s.allocatePreferring(instanceID, RolePrimary, parsePort(envValues[envKeyPort]))
	if err != nil {
		return nil, err
	}
	companion, err := s.allocatePreferring(instanceID, RoleCompanion, tomlPort(parsed, sections.companion))
	if err != nil {
		return nil, err
	}
	webUIPort := 0
	if webUIEnabled {
		webUIPort, err = s.allocatePreferring(instanceID, RoleWebUI, parsePort(envValues[envKeyWebUIPort]))
		if err != nil {
			return nil, err
		}
	}
	// The adapter-side connect port is the primary port seen from the
	// second file: linked, not a second exclusive allocation.
	s.alloc.AllocateLinked(instanceID, primary)

	envUpdates := map[string]string{envKeyPort: strconv.Itoa(primary)}
	if webUIEnabled {
		envUpdates[envKeyWebUIPort] = strconv.Itoa(webUIPort)
	}
	if err := os.WriteFile(envPath, []byte(mergeEnv(string(envRaw), envUpdates)), 0o644); err != nil {
		return nil, fmt.Errorf("failed to write env file: %w", err)
	}

	merged := mergeTOMLPort(string(adapterRaw), sections.companion, companion)
	merged = mergeTOMLPort(merged, sections.linked, primary)
	if err := os.WriteFile(adapterPath, []byte(merged), 0o644); err != nil {
		return nil, fmt.Errorf("failed to write adapter config: %w", err)
	}

	s.logger.Info("Ports synchronized",
		zap.String("instance", instanceID),
		zap.String("bot_type", botType),
		zap.Int("primary", primary),
		zap.Int("companion", companion),
		zap.Int("webui", webUIPort))

	return &SyncResult{
		InstanceID:    instanceID,
		PrimaryPort:   primary,
		CompanionPort: companion,
		WebUIPort:     webUIPort,
		EnvPath:       envPath,
		AdapterPath:   adapterPath,
	}, nil
}

// allocatePreferring allocates one role's port preferring the on-disk value.
// A stale on-disk port held elsewhere is not an error here, the caller never
// asked for it explicitly: the scan picks the next free port and the
// fallback is logged.
func (s *Synchronizer) allocatePreferring(instanceID string, role Role, preferred int) (int, error) {
	if preferred > 0 {
		port, err := s.alloc.AllocateRole(instanceID, role, preferred)
		if err == nil {
			return port, nil
		}
		if !fleeterrors.IsPortUnavailable(err) {
			return 0, err
		}
		s.logger.Warn("On-disk port no longer available, reallocating",
			zap.String("instance", instanceID),
			zap.String("role", string(role)),
			zap.Int("port", preferred))
	}
	return s.alloc.AllocateRole(instanceID, role, 0)
}

// parsePort parses a port value from an env file, zero when absent or junk.
func parsePort(raw string) int {
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0
	}
	return n
}

// tomlPort walks a parsed TOML document to a table's `port` key, zero when
// the table or key is absent.
func tomlPort(parsed map[string]interface{}, section string) int {
	node := parsed
	for _, key := range strings.Split(section, ".") {
		child, ok := node[key].(map[string]interface{})
		if !ok {
			return 0
		}
		node = child
	}
	switch v := node["port"].(type) {
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// AssignedPorts are the port values read back from an instance's env file.
type AssignedPorts struct {
	Primary int
	WebUI   int
}

// ReadAssignedPorts reads the on-disk port assignments of an instance root.
// After a restart the on-disk values are ground truth: the manager seeds the
// allocator from them (Allocator.Import) before accepting new allocations.
func ReadAssignedPorts(rootDir string) (*AssignedPorts, error) {
	envPath := filepath.Join(rootDir, envFileName)
	values, err := godotenv.Read(envPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fleeterrors.ConfigNotFound(envPath)
		}
		return nil, fleeterrors.ConfigParseError(envPath, err)
	}

	out := &AssignedPorts{}
	out.Primary = parsePort(values[envKeyPort])
	out.WebUI = parsePort(values[envKeyWebUIPort])
	return out, nil
}

// ReadCompanionPort reads the companion listener port from an instance's
// adapter config, for the same restart reconciliation. Zero means the file
// has no companion port recorded.
func ReadCompanionPort(botType, adapterDir string) (int, error) {
	sections, ok := tomlSections[botType]
	if !ok {
		return 0, fmt.Errorf("unknown bot type %q", botType)
	}

	adapterPath := filepath.Join(adapterDir, adapterConfigName)
	raw, err := os.ReadFile(adapterPath)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, fleeterrors.ConfigNotFound(adapterPath)
		}
		return 0, fmt.Errorf("failed to read adapter config: %w", err)
	}
	var parsed map[string]interface{}
	if err := toml.Unmarshal(raw, &parsed); err != nil {
		return 0, fleeterrors.ConfigParseError(adapterPath, err)
	}
	return tomlPort(parsed, sections.companion), nil
}

// mergeEnv rewrites KEY=value lines for the owned keys, preserving every
// other line verbatim. Missing keys are appended.
func mergeEnv(content string, updates map[string]string) string {
	lines := strings.Split(content, "\n")
	seen := make(map[string]bool, len(updates))

	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		eq := strings.Index(trimmed, "=")
		if eq < 0 {
			continue
		}
		key := strings.TrimSpace(trimmed[:eq])
		value, owned := updates[key]
		if !owned {
			continue
		}
		lines[i] = key + "=" + value
		seen[key] = true
	}

	// Append owned keys that were not present, in a stable order.
	for _, key := range []string{envKeyPort, envKeyWebUIPort} {
		value, owned := updates[key]
		if !owned || seen[key] {
			continue
		}
		if len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "" {
			lines[len(lines)-1] = key + "=" + value
			lines = append(lines, "")
		} else {
			lines = append(lines, key+"="+value)
		}
	}
	return strings.Join(lines, "\n")
}

// mergeTOMLPort rewrites the `port` key of one table in TOML text,
// preserving all other lines, comments included. A missing key is inserted
// after the table header; a missing table is appended to the document.
func mergeTOMLPort(content, section string, port int) string {
	lines := strings.Split(content, "\n")
	header := "[" + section + "]"

	inSection := false
	sectionLine := -1
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "[") {
			inSection = trimmed == header
			if inSection {
				sectionLine = i
			}
			continue
		}
		if !inSection {
			continue
		}
		key, rest, ok := splitTOMLKey(trimmed)
		if !ok || key != "port" {
			continue
		}
		indent := line[:len(line)-len(strings.TrimLeft(line, " \t"))]
		lines[i] = indent + "port = " + strconv.Itoa(port) + trailingComment(rest)
		return strings.Join(lines, "\n")
	}

	entry := "port = " + strconv.Itoa(port)
	if sectionLine >= 0 {
		out := make([]string, 0, len(lines)+1)
		out = append(out, lines[:sectionLine+1]...)
		out = append(out, entry)
		out = append(out, lines[sectionLine+1:]...)
		return strings.Join(out, "\n")
	}

	doc := strings.TrimRight(content, "\n")
	if doc != "" {
		doc += "\n\n"
	}
	return doc + header + "\n" + entry + "\n"
}

// splitTOMLKey splits a `key = value` line, returning the bare key and the
// value remainder.
func splitTOMLKey(line string) (key, rest string, ok bool) {
	eq := strings.Index(line, "=")
	if eq < 0 {
		return "", "", false
	}
	return strings.TrimSpace(line[:eq]), strings.TrimSpace(line[eq+1:]), true
}

// trailingComment preserves an inline comment following a replaced value.
func trailingComment(rest string) string {
	if i := strings.Index(rest, "#"); i >= 0 {
		return " " + rest[i:]
	}
	return ""
}
