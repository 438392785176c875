package iobroker

import (
	"encoding/json"
)

const (
	CommandCmdExec   = "cmdExec"
	CommandCmdStdout = "cmdStdout"
	CommandCmdStderr = "cmdStderr"
	CommandCmdExit   = "cmdExit"
)

// State is a value written to the states db
type State struct {
	Val  interface{} `json:"val"`
	Ack  bool        `json:"ack"`
	From string      `json:"from,omitempty"`
	Ts   int64       `json:"ts,omitempty"`
}

// Object is an object from the objects db, kept schemaless
type Object map[string]interface{}

// WithoutTransient returns a shallow copy without provenance and timestamp fields
func (o Object) WithoutTransient() Object {
	ret := make(Object, len(o))
	for k, v := range o {
		switch k {
		case "from", "ts":
			continue
		}
		ret[k] = v
	}

	return ret
}

// ObjectChange notifies about a changed object, a nil Object means the object was deleted
type ObjectChange struct {
	ID     string
	Object Object
}

// Message is a message sent to the messagebox of this host
type Message struct {
	Command string          `json:"command"`
	Message json.RawMessage `json:"message"`
	From    string          `json:"from"`
	ID      int64           `json:"_id,omitempty"`
}

// CmdExec is the payload of a cmdExec message, Data should be the command line
type CmdExec struct {
	ID   interface{} `json:"id"`
	Data interface{} `json:"data"`
}

// CmdReply is the payload of cmdStdout, cmdStderr and cmdExit replies
type CmdReply struct {
	ID   interface{} `json:"id"`
	Data interface{} `json:"data"`
}

// HostObjectID returns the object id of a host, e.g. system.host.node-1
func HostObjectID(hostname string) string {
	return "system.host." + hostname
}
