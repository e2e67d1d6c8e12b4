// Package detect finds externally launched bot processes by matching live OS
// processes against per-bot-type signatures. Detection is read-only: it never
// touches the registry.
package detect

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	fleeterrors "github.com/botherd/botherd/internal/common/errors"
	"github.com/botherd/botherd/internal/common/logger"
	"github.com/botherd/botherd/internal/fleet"
)

// Signature matches a bot type by keyword over a process's name, executable,
// working directory and command line. The first matching signature wins.
type Signature struct {
	BotType  fleet.BotType
	Keywords []string
}

// DefaultSignatures are the stock keyword rules for the supported bot types.
var DefaultSignatures = []Signature{
	{BotType: fleet.BotTypeMaiBot, Keywords: []string{"maibot", "mai_bot", "main.py"}},
	{BotType: fleet.BotTypeMoFoxBot, Keywords: []string{"mofox", "mofox_bot"}},
}

// DetectedProcess describes one matched OS process.
type DetectedProcess struct {
	// ProcessKey is "<BotType>_<PID>", the handle takeover operations use.
	ProcessKey string
	PID        int
	BotType    fleet.BotType
	Name       string
	Exe        string
	// RootDir is the process working directory, taken as the bot's root.
	RootDir    string
	Cmdline    string
	MemoryMB   float64
	CreateTime time.Time
}

// Detector scans the host's process table for bot processes.
type Detector struct {
	signatures []Signature
	logger     *logger.Logger
}

// NewDetector creates a detector. Nil signatures selects DefaultSignatures.
func NewDetector(signatures []Signature, log *logger.Logger) *Detector {
	if signatures == nil {
		signatures = DefaultSignatures
	}
	if log == nil {
		log = logger.Default()
	}
	return &Detector{signatures: signatures, logger: log}
}

// Scan lists all live processes and returns the matched ones keyed by
// process key. Processes that vanish or deny access between listing and
// inspection are skipped silently; only a failure to list the process table
// at all fails the scan, with DetectionIncomplete.
func (d *Detector) Scan(ctx context.Context) (map[string]DetectedProcess, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fleeterrors.DetectionIncomplete(err)
	}

	detected := make(map[string]DetectedProcess)
	for _, p := range procs {
		info, ok := d.inspect(ctx, p)
		if !ok {
			continue
		}
		detected[info.ProcessKey] = info
		d.logger.Debug("Detected bot process",
			zap.String("process_key", info.ProcessKey),
			zap.Int("pid", info.PID),
			zap.String("bot_type", string(info.BotType)))
	}

	d.logger.Info("Process scan complete", zap.Int("detected", len(detected)))
	return detected, nil
}

// DetectByType is a filtered view of a full scan.
func (d *Detector) DetectByType(ctx context.Context, botType fleet.BotType) (map[string]DetectedProcess, error) {
	all, err := d.Scan(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]DetectedProcess)
	for key, info := range all {
		if info.BotType == botType {
			out[key] = info
		}
	}
	return out, nil
}

// inspect reads one process's attributes and classifies it. Any read error
// means the process vanished or is off-limits; it is skipped, not reported.
func (d *Detector) inspect(ctx context.Context, p *process.Process) (DetectedProcess, bool) {
	name, err := p.NameWithContext(ctx)
	if err != nil {
		return DetectedProcess{}, false
	}
	// Exe and cwd can be unreadable for processes owned by other users;
	// classification still works on what is available.
	exe, _ := p.ExeWithContext(ctx)
	cwd, _ := p.CwdWithContext(ctx)
	cmdline, _ := p.CmdlineWithContext(ctx)

	botType, ok := d.Classify(name, exe, cwd, cmdline)
	if !ok {
		return DetectedProcess{}, false
	}

	info := DetectedProcess{
		ProcessKey: fmt.Sprintf("%s_%d", botType, p.Pid),
		PID:        int(p.Pid),
		BotType:    botType,
		Name:       name,
		Exe:        exe,
		RootDir:    cwd,
		Cmdline:    cmdline,
	}
	if mem, err := p.MemoryInfoWithContext(ctx); err == nil && mem != nil {
		info.MemoryMB = float64(mem.RSS) / (1024 * 1024)
	}
	if created, err := p.CreateTimeWithContext(ctx); err == nil {
		info.CreateTime = time.UnixMilli(created)
	}
	return info, true
}

// Classify matches process attributes against the signature table.
func (d *Detector) Classify(name, exe, cwd, cmdline string) (fleet.BotType, bool) {
	searchable := strings.ToLower(name + " " + exe + " " + cwd + " " + cmdline)
	for _, sig := range d.signatures {
		for _, keyword := range sig.Keywords {
			if strings.Contains(searchable, strings.ToLower(keyword)) {
				return sig.BotType, true
			}
		}
	}
	return "", false
}

// PidExists reports whether a process with the given PID is alive.
func PidExists(pid int) bool {
	exists, err := process.PidExists(int32(pid))
	return err == nil && exists
}

// SampleUsage reads a CPU/memory sample for a live PID.
func SampleUsage(pid int) (fleet.ResourceUsage, error) {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return fleet.ResourceUsage{}, err
	}

	usage := fleet.ResourceUsage{SampledAt: time.Now().UTC()}
	if cpu, err := p.CPUPercent(); err == nil {
		usage.CPUPercent = cpu
	}
	mem, err := p.MemoryInfo()
	if err != nil {
		return fleet.ResourceUsage{}, err
	}
	usage.MemoryMB = float64(mem.RSS) / (1024 * 1024)
	return usage, nil
}
