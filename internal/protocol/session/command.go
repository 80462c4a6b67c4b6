package session

import (
	"fmt"
	"strings"

	"github.com/danmuck/ddpctl/internal/auth"
	"github.com/danmuck/ddpctl/internal/protocol"
)

const (
	methodLogin  = "login"
	methodLogout = "logout"
)

// CommandKind tags the Command variants.
type CommandKind int

const (
	CommandConnect CommandKind = iota
	CommandAuthenticate
	CommandMethod
	CommandSubscribe
	CommandLogout
)

func (k CommandKind) String() string {
	switch k {
	case CommandConnect:
		return "connect"
	case CommandAuthenticate:
		return "authenticate"
	case CommandMethod:
		return "method"
	case CommandSubscribe:
		return "subscribe"
	case CommandLogout:
		return "logout"
	default:
		return "unknown"
	}
}

// Command is a plain outbound operation descriptor.
type Command struct {
	Kind   CommandKind
	Method string
	Name   string
	Params []any
}

// Expectation declares how a command resolves.
//
// Await commands register Reply in the registry before sending. Correlated commands
// draw an id from the session sequence. Subscribe is correlated but not awaited.
type Expectation struct {
	Reply      protocol.Kind
	Await      bool
	Correlated bool
}

func ConnectCommand() Command {
	return Command{Kind: CommandConnect}
}

// AuthenticateCommand builds the login call. Only the digest reaches the wire.
func AuthenticateCommand(login auth.Login) Command {
	return Command{
		Kind:   CommandAuthenticate,
		Method: methodLogin,
		Params: []any{loginParams{
			User:     loginUser{Username: login.Username},
			Password: login.Secret,
		}},
	}
}

func MethodCommand(method string, params ...any) Command {
	return Command{Kind: CommandMethod, Method: method, Params: params}
}

func SubscribeCommand(name string, params ...any) Command {
	return Command{Kind: CommandSubscribe, Name: name, Params: params}
}

func LogoutCommand() Command {
	return Command{Kind: CommandLogout, Method: methodLogout}
}

func (c Command) Expect() Expectation {
	switch c.Kind {
	case CommandConnect:
		return Expectation{Reply: protocol.KindConnected, Await: true}
	case CommandSubscribe:
		return Expectation{Correlated: true}
	default:
		return Expectation{Reply: protocol.KindResult, Await: true, Correlated: true}
	}
}

// Frame builds the wire message for c. id is ignored for connect.
func (c Command) Frame(id string) protocol.Message {
	switch c.Kind {
	case CommandConnect:
		return protocol.Connect()
	case CommandSubscribe:
		return protocol.Sub(id, c.Name, c.Params)
	default:
		return protocol.Method(id, c.Method, c.Params)
	}
}

func (c Command) Validate() error {
	switch c.Kind {
	case CommandConnect, CommandLogout, CommandAuthenticate:
		return nil
	case CommandMethod:
		if strings.TrimSpace(c.Method) == "" {
			return fmt.Errorf("%w: method name required", ErrInvalidCommand)
		}
		return nil
	case CommandSubscribe:
		if strings.TrimSpace(c.Name) == "" {
			return fmt.Errorf("%w: subscription name required", ErrInvalidCommand)
		}
		return nil
	default:
		return fmt.Errorf("%w: kind=%d", ErrInvalidCommand, c.Kind)
	}
}

// label names c in logs, spans and metrics.
func (c Command) label() string {
	if c.Method != "" {
		return c.Method
	}
	if c.Name != "" {
		return c.Name
	}
	return c.Kind.String()
}

type loginParams struct {
	User     loginUser   `json:"user"`
	Password auth.Secret `json:"password"`
}

type loginUser struct {
	Username string `json:"username"`
}
