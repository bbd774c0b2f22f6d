package agent

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/oklog/ulid/v2"

	"github.com/wreckit/wreckit/internal/sprite"
)

// spriteBackend runs the agent turn against an ephemeral microVM: push the
// project in, run the SDK loop with tools dispatched into the VM, pull the
// results out, and tear the VM down on every exit path.
type spriteBackend struct{}

func (spriteBackend) run(ctx context.Context, opts Options, env *turnEnv) (*Result, error) {
	token := opts.SpritesToken
	if token == "" {
		token = os.Getenv("SPRITES_TOKEN")
	}
	client, err := sprite.NewClient(token)
	if err != nil {
		return &Result{Err: sandboxError(err)}, nil
	}

	cfg := opts.Config
	vmName := cfg.VMName
	ephemeral := vmName == ""
	if ephemeral {
		vmName = sprite.EphemeralVMName(opts.ItemID, time.Now())
	}

	sessions := sprite.NewSessionStore(filepath.Join(opts.CWD, ".wreckit", "sessions"))
	sess := &sprite.Session{
		SessionID: ulid.Make().String(),
		VMName:    vmName,
		ItemID:    opts.ItemID,
		StartTime: time.Now().UTC(),
		State:     sprite.SessionRunning,
	}
	_ = sessions.Save(sess)

	needStart := ephemeral
	if !ephemeral {
		exists, lerr := client.VMExists(ctx, vmName)
		if lerr != nil {
			return failSession(sessions, sess, &Result{Err: sandboxError(lerr)}), nil
		}
		needStart = !exists
	}
	if needStart {
		if serr := client.StartVM(ctx, vmName, cfg.MemoryMB, cfg.CPUs); serr != nil {
			return failSession(sessions, sess, &Result{Err: sandboxError(serr)}), nil
		}
	}

	var releaseOwned func()
	if ephemeral {
		releaseOwned = sprite.ClaimOwned(client, vmName)
	}
	// Teardown always runs, panic included. Errors here are logged as events,
	// never raised.
	defer func() {
		if ephemeral {
			kctx, kcancel := context.WithTimeout(context.Background(), 30*time.Second)
			if kerr := client.KillVM(kctx, vmName); kerr != nil {
				env.emit(opts, Event{Type: EventError, Text: "vm teardown failed: " + kerr.Error()})
			}
			kcancel()
			releaseOwned()
		}
	}()

	if cfg.SyncEnabled {
		if perr := client.Push(ctx, vmName, opts.CWD, opts.SandboxExclude); perr != nil {
			return failSession(sessions, sess, &Result{Err: sandboxError(perr)}), nil
		}
	}

	inner := &claudeBackend{dispatch: remoteDispatch(client, vmName)}
	res, err := inner.run(ctx, opts, env)
	if err != nil {
		return nil, err
	}
	res.SessionID = sess.SessionID

	if res.Success && cfg.SyncEnabled && cfg.SyncOnSuccess {
		// The agent's work lives on the VM either way; a pull failure after a
		// successful turn downgrades to a warning, not a failure.
		if perr := client.Pull(ctx, vmName, opts.CWD, opts.SandboxExclude); perr != nil {
			env.emit(opts, Event{Type: EventError, Text: "pull after success failed: " + perr.Error()})
		}
	}

	final := sprite.SessionCompleted
	if !res.Success {
		final = sprite.SessionFailed
	}
	_, _ = sessions.UpdateState(sess.SessionID, final, func(s *sprite.Session) {
		if res.Err != nil {
			s.Error = res.Err.Error()
		}
	})
	return res, nil
}

func failSession(sessions *sprite.SessionStore, sess *sprite.Session, res *Result) *Result {
	_, _ = sessions.UpdateState(sess.SessionID, sprite.SessionFailed, func(s *sprite.Session) {
		if res.Err != nil {
			s.Error = res.Err.Error()
		}
	})
	return res
}

// sandboxError maps classified sandbox failures onto the agent taxonomy:
// missing token is auth, start/sync trouble is network-class.
func sandboxError(err error) *Error {
	if serr, ok := err.(*sprite.Error); ok {
		switch serr.Code {
		case sprite.ErrTokenMissing:
			return &Error{Kind: ErrAuth, Message: serr.Error()}
		case sprite.ErrCLIMissing:
			return &Error{Kind: ErrUnknown, Message: serr.Error()}
		default:
			return &Error{Kind: ErrNetwork, Message: serr.Error()}
		}
	}
	return &Error{Kind: ErrNetwork, Message: err.Error()}
}

// remoteDispatch translates builtin tool calls into VM exec commands rooted
// at the in-VM project directory. Binary payloads cross the exec channel
// base64-framed in both directions.
func remoteDispatch(client *sprite.Client, vmName string) dispatchFunc {
	return func(ctx context.Context, name string, input json.RawMessage) (string, error) {
		switch name {
		case "Read":
			var args struct {
				Path string `json:"path"`
			}
			if err := json.Unmarshal(input, &args); err != nil {
				return "", err
			}
			p, err := remotePath(args.Path)
			if err != nil {
				return "", err
			}
			return remoteRead(ctx, client, vmName, p)
		case "Write":
			var args struct {
				Path    string `json:"path"`
				Content string `json:"content"`
			}
			if err := json.Unmarshal(input, &args); err != nil {
				return "", err
			}
			p, err := remotePath(args.Path)
			if err != nil {
				return "", err
			}
			if err := remoteWrite(ctx, client, vmName, p, args.Content); err != nil {
				return "", err
			}
			return fmt.Sprintf("wrote %d bytes to %s", len(args.Content), args.Path), nil
		case "Edit":
			var args struct {
				Path string `json:"path"`
				Old  string `json:"old_string"`
				New  string `json:"new_string"`
			}
			if err := json.Unmarshal(input, &args); err != nil {
				return "", err
			}
			p, err := remotePath(args.Path)
			if err != nil {
				return "", err
			}
			current, err := remoteRead(ctx, client, vmName, p)
			if err != nil {
				return "", err
			}
			switch strings.Count(current, args.Old) {
			case 0:
				return "", fmt.Errorf("old_string not found in %s", args.Path)
			case 1:
			default:
				return "", fmt.Errorf("old_string is not unique in %s", args.Path)
			}
			if err := remoteWrite(ctx, client, vmName, p, strings.Replace(current, args.Old, args.New, 1)); err != nil {
				return "", err
			}
			return "edit applied", nil
		case "Glob":
			var args struct {
				Pattern string `json:"pattern"`
			}
			if err := json.Unmarshal(input, &args); err != nil {
				return "", err
			}
			out, err := remoteSh(ctx, client, vmName, fmt.Sprintf("cd %s && find . -type f", sprite.ProjectRoot), nil)
			if err != nil {
				return "", err
			}
			var matches []string
			for _, line := range strings.Split(out, "\n") {
				rel := strings.TrimPrefix(strings.TrimSpace(line), "./")
				if rel == "" {
					continue
				}
				if ok, _ := doublestar.Match(args.Pattern, rel); ok {
					matches = append(matches, rel)
					if len(matches) >= globMatchLimit {
						break
					}
				}
			}
			return strings.Join(matches, "\n"), nil
		case "Grep":
			var args struct {
				Pattern string `json:"pattern"`
			}
			if err := json.Unmarshal(input, &args); err != nil {
				return "", err
			}
			script := fmt.Sprintf("cd %s && grep -rn -E -- %s . | head -%d", sprite.ProjectRoot, shQuote(args.Pattern), toolGrepLimit)
			out, err := remoteSh(ctx, client, vmName, script, nil)
			if err != nil && out == "" {
				// grep exits 1 on no match.
				return "", nil
			}
			return out, nil
		case "Bash":
			var args struct {
				Command string `json:"command"`
			}
			if err := json.Unmarshal(input, &args); err != nil {
				return "", err
			}
			return remoteSh(ctx, client, vmName, fmt.Sprintf("cd %s && %s", sprite.ProjectRoot, args.Command), nil)
		default:
			return "", fmt.Errorf("unknown tool %q", name)
		}
	}
}

func remotePath(rel string) (string, error) {
	if rel == "" {
		return "", fmt.Errorf("path is required")
	}
	p := rel
	if !path.IsAbs(p) {
		p = path.Join(sprite.ProjectRoot, p)
	}
	p = path.Clean(p)
	if p != sprite.ProjectRoot && !strings.HasPrefix(p, sprite.ProjectRoot+"/") {
		return "", fmt.Errorf("path %q escapes project root", rel)
	}
	return p, nil
}

func remoteRead(ctx context.Context, client *sprite.Client, vmName, p string) (string, error) {
	out, err := remoteSh(ctx, client, vmName, fmt.Sprintf("base64 < %s", shQuote(p)), nil)
	if err != nil {
		return "", err
	}
	b, err := base64.StdEncoding.DecodeString(strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' {
			return -1
		}
		return r
	}, out))
	if err != nil {
		return "", fmt.Errorf("decode remote file: %w", err)
	}
	if len(b) > toolReadLimit {
		b = b[:toolReadLimit]
	}
	return string(b), nil
}

func remoteWrite(ctx context.Context, client *sprite.Client, vmName, p, content string) error {
	encoded := base64.StdEncoding.EncodeToString([]byte(content))
	script := fmt.Sprintf("mkdir -p %s && base64 -d > %s", shQuote(path.Dir(p)), shQuote(p))
	_, err := remoteSh(ctx, client, vmName, script, []byte(encoded))
	return err
}

func remoteSh(ctx context.Context, client *sprite.Client, vmName, script string, stdin []byte) (string, error) {
	res, err := client.ExecInVM(ctx, vmName, []string{"sh", "-c", script}, stdin)
	if err != nil {
		return "", err
	}
	out := string(res.Out)
	if res.Exit != 0 {
		return out, fmt.Errorf("remote command exited %d", res.Exit)
	}
	return out, nil
}

// shQuote single-quotes s for POSIX sh.
func shQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
