// Package pipeline executes an ordered chain of policy steps over one
// decoded message and produces the directive telling the batch
// processor what to do with the message on the server.
package pipeline

// Directive is the pipeline's control-flow result for one message.
type Directive int

const (
	NoAction Directive = iota
	DeleteMessage
	ProcessMessage
	MarkAsError
	MarkAsUndesired
	MoveMessage
	SkipForNow
	AbortAllFurtherProcessing
)

var directiveNames = map[Directive]string{
	NoAction:                  "no_action",
	DeleteMessage:             "delete_message",
	ProcessMessage:            "process_message",
	MarkAsError:               "mark_as_error",
	MarkAsUndesired:           "mark_as_undesired",
	MoveMessage:               "move_message",
	SkipForNow:                "skip_for_now",
	AbortAllFurtherProcessing: "abort_all_further_processing",
}

func (d Directive) String() string {
	if name, ok := directiveNames[d]; ok {
		return name
	}
	return "unknown"
}

// Terminates reports whether the directive ends the pipeline run
// immediately, overriding last-write-wins.
func (d Directive) Terminates() bool {
	return d == SkipForNow || d == AbortAllFurtherProcessing
}
