// Cooperative task scheduler
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package sched

import "reflect"

// calleeSaved is the number of registers contextSwitch pushes before
// saving the stack pointer; initStack reserves matching zeroed slots so
// a first dispatch pops clean registers before returning into the
// trampoline.
const calleeSaved = 6

// Declared in stack_amd64.s.

// contextSwitch stores the outgoing stack pointer through oldSP, loads
// newSP and returns on the incoming stack.
func contextSwitch(oldSP *uint64, newSP uint64)

// contextJump loads newSP and returns on it without saving any outgoing
// context, the first-time dispatch path.
func contextJump(newSP uint64)

// taskStart is the trampoline a fresh task stack returns into; it calls
// taskMain.
func taskStart()

func taskStartAddr() uintptr {
	return reflect.ValueOf(taskStart).Pointer()
}
