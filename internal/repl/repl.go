// Package repl reads comma separated commands from a line stream and runs them
// against an authenticated session, printing every outcome as one JSON line.
package repl

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/danmuck/ddpctl/internal/protocol"
	"github.com/rs/zerolog/log"
)

// DefaultPrompt is written before every line is read.
const DefaultPrompt = "command> "

var (
	// ErrExit signals the loop to stop after a logout.
	ErrExit           = errors.New("repl: exit")
	ErrClientGone     = errors.New("repl: session ended")
	ErrUnknownCommand = errors.New("repl: unknown command")
	ErrUsage          = errors.New("repl: usage")
)

// Client is the session surface the REPL drives.
type Client interface {
	Call(ctx context.Context, method string, params ...any) (protocol.Message, error)
	Subscribe(name string, params ...any) (string, error)
	Close(ctx context.Context) error
}

type handler struct {
	usage string
	run   func(ctx context.Context, r *REPL, args []string) error
}

var commands map[string]handler

func init() {
	commands = map[string]handler{
		"rooms": {
			usage: "rooms",
			run:   runRooms,
		},
		"openRoom": {
			usage: "openRoom,<rid>",
			run: func(ctx context.Context, r *REPL, args []string) error {
				if len(args) != 1 {
					return usage("openRoom")
				}
				return r.call(ctx, "openRoomResponse", "openRoom", args[0])
			},
		},
		"joinRoom": {
			usage: "joinRoom,<rid>[,<code>]",
			run: func(ctx context.Context, r *REPL, args []string) error {
				switch len(args) {
				case 1:
					return r.call(ctx, "joinRoomResponse", "joinRoom", args[0])
				case 2:
					return r.call(ctx, "joinRoomResponse", "joinRoom", args[0], args[1])
				default:
					return usage("joinRoom")
				}
			},
		},
		"sendMessage": {
			usage: "sendMessage,<rid>,<text>",
			run: func(ctx context.Context, r *REPL, args []string) error {
				if len(args) < 2 {
					return usage("sendMessage")
				}
				text := strings.Join(args[1:], ",")
				return r.call(ctx, "sendMessageResponse", "sendMessage", map[string]string{
					"rid": args[0],
					"msg": text,
				})
			},
		},
		"createChannel": {
			usage: "createChannel,<name>[,<user>...]",
			run: func(ctx context.Context, r *REPL, args []string) error {
				if len(args) < 1 {
					return usage("createChannel")
				}
				users := make([]string, 0, len(args)-1)
				for _, u := range args[1:] {
					if u != "" {
						users = append(users, u)
					}
				}
				return r.call(ctx, "createChannelResponse", "createChannel", args[0], users, false)
			},
		},
		"streamRoomMessages": {
			usage: "streamRoomMessages,<rid>",
			run: func(ctx context.Context, r *REPL, args []string) error {
				if len(args) != 1 {
					return usage("streamRoomMessages")
				}
				id, err := r.client.Subscribe("stream-room-messages", args[0], false)
				if err != nil {
					return err
				}
				r.emit("subscriptionId", id)
				return nil
			},
		},
		"call": {
			usage: "call,<method>[,<arg>...]",
			run: func(ctx context.Context, r *REPL, args []string) error {
				if len(args) < 1 || args[0] == "" {
					return usage("call")
				}
				params := make([]any, 0, len(args)-1)
				for _, raw := range args[1:] {
					params = append(params, parseArg(raw))
				}
				return r.call(ctx, "callResponse", args[0], params...)
			},
		},
		"logout": {
			usage: "logout",
			run: func(ctx context.Context, r *REPL, _ []string) error {
				if err := r.client.Close(ctx); err != nil {
					return err
				}
				r.emit("logout", "ok")
				return ErrExit
			},
		},
		"help": {
			usage: "help",
			run: func(_ context.Context, r *REPL, _ []string) error {
				r.emit("commands", Usage())
				return nil
			},
		},
	}
}

func runRooms(ctx context.Context, r *REPL, args []string) error {
	if len(args) != 0 {
		return usage("rooms")
	}
	res, err := r.client.Call(ctx, "rooms/get")
	if err != nil {
		return err
	}
	var rooms []json.RawMessage
	if err := json.Unmarshal(res.Result, &rooms); err != nil {
		r.emit("roomsResponse", res)
		return nil
	}
	for _, room := range rooms {
		r.emit("room", room)
	}
	return nil
}

func usage(name string) error {
	return fmt.Errorf("%w: %s", ErrUsage, commands[name].usage)
}

// Usage lists every command form, sorted.
func Usage() []string {
	out := make([]string, 0, len(commands))
	for _, h := range commands {
		out = append(out, h.usage)
	}
	sort.Strings(out)
	return out
}

// parseArg keeps JSON literals typed and passes anything else as a string.
func parseArg(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		return v
	}
	return raw
}

type REPL struct {
	Prompt string

	client Client
	in     *bufio.Reader
	out    io.Writer
	stop   <-chan struct{}
	mu     sync.Mutex
}

func New(client Client, in io.Reader, out io.Writer) *REPL {
	return &REPL{
		Prompt: DefaultPrompt,
		client: client,
		in:     bufio.NewReader(in),
		out:    out,
	}
}

// StopWhen makes Run return ErrClientGone once done is closed, typically the
// session's reader exit.
func (r *REPL) StopWhen(done <-chan struct{}) {
	r.stop = done
}

type readResult struct {
	line string
	err  error
}

// Run prompts and executes lines until logout, EOF, ctx ends or the channel
// given to StopWhen closes. Lines are read on a separate goroutine so a
// blocked read never delays cancellation. Run is meant to be called once.
func (r *REPL) Run(ctx context.Context) error {
	lines := make(chan readResult)
	quit := make(chan struct{})
	defer close(quit)
	go func() {
		for {
			line, err := r.in.ReadString('\n')
			select {
			case lines <- readResult{line: line, err: err}:
			case <-quit:
				return
			}
			if err != nil {
				return
			}
		}
	}()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		r.write(r.Prompt)

		var res readResult
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.stop:
			r.emit("error", ErrClientGone.Error())
			return ErrClientGone
		case res = <-lines:
		}

		if res.line != "" {
			execErr := r.Execute(ctx, res.line)
			if errors.Is(execErr, ErrExit) {
				return nil
			}
			if execErr != nil {
				log.Debug().Err(execErr).Str("line", strings.TrimSpace(res.line)).Msg("command failed")
				r.emit("error", execErr.Error())
			}
		}
		if res.err != nil {
			if errors.Is(res.err, io.EOF) {
				return nil
			}
			return res.err
		}
	}
}

// Execute runs one command line. Blank lines are ignored.
func (r *REPL) Execute(ctx context.Context, line string) error {
	line = strings.TrimRight(line, "\r\n")
	if strings.TrimSpace(line) == "" {
		return nil
	}
	terms := strings.Split(line, ",")
	name := strings.TrimSpace(terms[0])
	args := make([]string, 0, len(terms)-1)
	for _, t := range terms[1:] {
		args = append(args, strings.TrimSpace(t))
	}

	h, ok := commands[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownCommand, name)
	}
	return h.run(ctx, r, args)
}

// Push prints a frame that arrived outside any request, such as a
// subscription update. Safe to call from the session reader.
func (r *REPL) Push(msg protocol.Message) {
	if len(msg.Raw) > 0 {
		r.emit("push", msg.Raw)
		return
	}
	r.emit("push", msg)
}

func (r *REPL) call(ctx context.Context, label, method string, params ...any) error {
	res, err := r.client.Call(ctx, method, params...)
	if err != nil {
		return err
	}
	r.emit(label, res)
	return nil
}

func (r *REPL) emit(key string, v any) {
	line, err := json.Marshal(map[string]any{key: v})
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("render failed")
		return
	}
	r.write(string(line) + "\n")
}

func (r *REPL) write(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, _ = io.WriteString(r.out, s)
}
