// Package runtime runs the LLM backend that answers queries.
//
// The agent process never links a model SDK. Each query is handed to a
// runner subprocess: the job goes in as one JSON line on stdin, the answer
// comes back as NDJSON events on stdout, and the process exits when the
// stream is done. The capability session token crosses the boundary only
// through the child's environment, never through the job payload and never
// through a log line.
package runtime

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/airlock-project/airlock/common/wire"
)

// Env variable names injected into the runner subprocess.
const (
	EnvSessionToken    = "AIRLOCK_SESSION_TOKEN"
	EnvCapabilitiesURL = "AIRLOCK_CAPABILITIES_URL"
	EnvTier            = "AIRLOCK_TIER"
	EnvUserID          = "AIRLOCK_USER_ID"
)

// maxEventLine bounds one NDJSON line from the runner.
const maxEventLine = 1 << 20

// Job is the material for one runtime invocation.
type Job struct {
	SystemPrompt    string
	Prompt          string
	Tier            wire.Tier
	Cwd             string
	EnableSkills    bool
	ResumeSessionID string
	UserID          string

	// SessionToken is handed to the subprocess environment only. It must
	// never be copied into the stdin payload or any log attribute.
	SessionToken string
}

// Runner executes one job and emits its stream events in order. Run blocks
// until the stream ends; the final done event is delivered through emit like
// any other. Returning without having emitted a done event means the run
// failed and the caller must synthesize the terminal event itself.
type Runner interface {
	Run(ctx context.Context, job Job, emit func(evt *wire.Event) error) error
}

// Subprocess runs each job as a fresh child process.
type Subprocess struct {
	argv    []string
	workdir string
	capsURL string
	log     *slog.Logger
}

// NewSubprocess parses command into argv form. The command is split on
// whitespace; quoting is not supported. workdir is the default working
// directory when a job names no cwd of its own.
func NewSubprocess(command, workdir, capsURL string, log *slog.Logger) (*Subprocess, error) {
	argv := strings.Fields(command)
	if len(argv) == 0 {
		return nil, fmt.Errorf("runner command must not be empty")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Subprocess{argv: argv, workdir: workdir, capsURL: capsURL, log: log}, nil
}

// jobPayload is the stdin wire form of a job. The session token is absent
// on purpose: stdin payloads end up in runner transcripts, the environment
// does not.
type jobPayload struct {
	SystemPrompt    string `json:"systemPrompt,omitempty"`
	Prompt          string `json:"prompt"`
	Tier            string `json:"tier"`
	Cwd             string `json:"cwd,omitempty"`
	EnableSkills    bool   `json:"enableSkills,omitempty"`
	ResumeSessionID string `json:"resumeSessionId,omitempty"`
	UserID          string `json:"userId,omitempty"`
}

// Run spawns the runner, writes the job, and forwards stdout events until
// the stream ends or ctx is cancelled. Cancellation kills the child.
func (s *Subprocess) Run(ctx context.Context, job Job, emit func(evt *wire.Event) error) error {
	payload, err := json.Marshal(jobPayload{
		SystemPrompt:    job.SystemPrompt,
		Prompt:          job.Prompt,
		Tier:            string(job.Tier),
		Cwd:             job.Cwd,
		EnableSkills:    job.EnableSkills,
		ResumeSessionID: job.ResumeSessionID,
		UserID:          job.UserID,
	})
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}

	cmd := exec.CommandContext(ctx, s.argv[0], s.argv[1:]...)
	cmd.Dir = s.workdir
	if job.Cwd != "" {
		cmd.Dir = job.Cwd
	}
	cmd.Env = BuildEnv(os.Environ(), job, s.capsURL)
	cmd.WaitDelay = 5 * time.Second

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		return fmt.Errorf("start runner: %w", err)
	}
	s.log.Debug("runner started", "pid", cmd.Process.Pid, "tier", string(job.Tier))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.drainStderr(stderr)
	}()

	// One job line, then EOF: the runner treats a closed stdin as "no more
	// input for this turn".
	if _, err := fmt.Fprintf(stdin, "%s\n", payload); err != nil {
		stdin.Close()
		cmd.Wait()
		wg.Wait()
		return fmt.Errorf("write job: %w", err)
	}
	stdin.Close()

	sawDone, streamErr := DecodeStream(stdout, emit)

	waitErr := cmd.Wait()
	wg.Wait()

	if streamErr != nil {
		return streamErr
	}
	if !sawDone {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if waitErr != nil {
			return fmt.Errorf("runner exited before done event: %w", waitErr)
		}
		return fmt.Errorf("runner closed stream before done event")
	}
	// A nonzero exit after a clean done event is the runner's problem, not
	// the query's.
	if waitErr != nil {
		s.log.Warn("runner exit after done event", "err", waitErr)
	}
	return nil
}

// drainStderr logs runner diagnostics at debug level, capped so a
// misbehaving runner cannot flood the log.
func (s *Subprocess) drainStderr(r io.Reader) {
	const maxLines = 200
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64<<10), 64<<10)
	lines := 0
	for scanner.Scan() {
		if lines < maxLines {
			s.log.Debug("runner stderr", "line", scanner.Text())
		}
		lines++
	}
	if lines > maxLines {
		s.log.Debug("runner stderr truncated", "dropped", lines-maxLines)
	}
}

// BuildEnv composes the child environment: the parent environment minus any
// inherited session token, plus the per-job variables. The token is set only
// when the job carries one.
func BuildEnv(base []string, job Job, capsURL string) []string {
	env := make([]string, 0, len(base)+4)
	for _, kv := range base {
		if strings.HasPrefix(kv, EnvSessionToken+"=") {
			continue
		}
		env = append(env, kv)
	}
	if job.SessionToken != "" {
		env = append(env, EnvSessionToken+"="+job.SessionToken)
	}
	if capsURL != "" {
		env = append(env, EnvCapabilitiesURL+"="+capsURL)
	}
	env = append(env, EnvTier+"="+string(job.Tier))
	if job.UserID != "" {
		env = append(env, EnvUserID+"="+job.UserID)
	}
	return env
}

// DecodeStream reads NDJSON events from r and hands each to emit, in order.
// Lines that do not parse are skipped; the runner's stderr is the place for
// diagnostics, not its event stream. Reading stops at EOF or after the done
// event. An emit error aborts the stream and is returned as is.
func DecodeStream(r io.Reader, emit func(evt *wire.Event) error) (sawDone bool, err error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, maxEventLine), maxEventLine)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		evt, perr := wire.ParseEvent(line)
		if perr != nil {
			slog.Debug("runtime: dropping malformed event line", "err", perr)
			continue
		}
		if err := emit(evt); err != nil {
			return sawDone, err
		}
		if evt.Type == wire.EventDone {
			return true, nil
		}
	}
	if serr := scanner.Err(); serr != nil {
		return false, fmt.Errorf("read runner stream: %w", serr)
	}
	return false, nil
}

var _ Runner = (*Subprocess)(nil)
