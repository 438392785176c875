package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"arhat.dev/pkg/log"

	"github.com/iobroker-k8s/k8s-controller/pkg/constant"
	"github.com/iobroker-k8s/k8s-controller/pkg/iobroker"
)

// replier sends the output of one command back to its origin
type replier struct {
	ctx       context.Context
	logger    log.Interface
	sender    Sender
	target    string
	id        interface{}
	exitDelay time.Duration
}

func (r *replier) send(command string, data interface{}) {
	err := r.sender.SendTo(r.ctx, r.target, command, &iobroker.CmdReply{ID: r.id, Data: data})
	if err != nil {
		r.logger.I("failed to send reply", log.String("command", command), log.Error(err))
	}
}

func (r *replier) Stdout(line string) {
	r.logger.I(line)
	r.send(iobroker.CommandCmdStdout, line)
}

func (r *replier) Stderr(line string) {
	r.logger.E(line)
	r.send(iobroker.CommandCmdStderr, line)
}

// Exit sends the exit code after the exit delay, so that it arrives after
// all output lines
func (r *replier) Exit(code int) {
	r.logger.I("exit " + strconv.Itoa(code))
	time.AfterFunc(r.exitDelay, func() {
		r.send(iobroker.CommandCmdExit, code)
	})
}

// Dispatch runs the command line carried by a cmdExec message, every
// dispatched command ends with exactly one exit reply
func (c *Controller) Dispatch(ctx context.Context, msg *iobroker.Message, sender Sender) {
	logger := c.logger.WithFields(log.String("from", msg.From))

	if msg.Command != iobroker.CommandCmdExec {
		logger.D("message ignored", log.String("command", msg.Command))
		return
	}

	req := new(iobroker.CmdExec)
	if len(msg.Message) != 0 {
		if err := json.Unmarshal(msg.Message, req); err != nil {
			logger.I("invalid cmdExec message", log.Error(err))
			return
		}
	}

	line, ok := req.Data.(string)
	if !ok || line == "" {
		data, _ := json.Marshal(req.Data)
		logger.I(`invalid cmdExec object, expected key "data" with the command as string`,
			log.String("data", string(data)))
		return
	}

	args := strings.Fields(line)
	logger.I(constant.AppName + " " + strings.Join(args, " "))

	r := &replier{
		ctx:       ctx,
		logger:    logger,
		sender:    sender,
		target:    msg.From,
		id:        req.ID,
		exitDelay: c.exitDelay,
	}

	var cmd string
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}

	code := c.runCommand(ctx, cmd, args, r)
	c.metrics.commands.WithLabelValues(commandLabel(cmd), strconv.Itoa(code)).Inc()
	r.Exit(code)
}

func (c *Controller) runCommand(ctx context.Context, cmd string, args []string, r *replier) (code int) {
	defer func() {
		if e := recover(); e != nil {
			r.Stderr(fmt.Sprintf("Error executing command: %v", e))
			code = constant.ExitUncaughtException
		}
	}()

	run, ok := c.commands[cmd]
	if !ok {
		r.Stderr("Unknown command: " + constant.AppName + " " + cmd)
		return constant.ExitInvalidArguments
	}

	code, err := run(ctx, args, r)
	if err != nil {
		r.Stderr("Error executing command: " + err.Error())
		return constant.ExitUncaughtException
	}

	return code
}

// commandLabel keeps metric cardinality bounded
func commandLabel(cmd string) string {
	switch cmd {
	case "a", "add":
		return "add"
	case "del", "delete":
		return "delete"
	case "s", "status":
		return "status"
	default:
		return "unknown"
	}
}
