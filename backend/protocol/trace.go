package protocol

import (
	"fmt"
	"strings"

	"github.com/davecgh/go-spew/spew"
)

var dumper = spew.ConfigState{
	Indent:                  " ",
	DisablePointerAddresses: true,
	DisableCapacities:       true,
	DisableMethods:          true,
}

// Dump renders p for the debug trace. It is for humans only and is never sent.
func Dump(p Packet) string {
	return strings.TrimSpace(dumper.Sdump(p))
}

func (c NewConnection) String() string { return fmt.Sprintf("NewConnection(%q)", c.Username) }
func (c Ready) String() string         { return fmt.Sprintf("Ready(%t)", c.Flag) }
func (c Seek) String() string          { return fmt.Sprintf("Seek(%.3f)", c.Position) }
func (c Filename) String() string      { return fmt.Sprintf("Filename(%q)", c.Name) }
func (c Duration) String() string      { return fmt.Sprintf("Duration(%.3f)", c.Seconds) }
func (c StreamName) String() string    { return fmt.Sprintf("StreamName(%q)", c.URL) }
func (GetStreamName) String() string   { return "GetStreamName" }
