// https://github.com/usbarmory/tamago
//
// Copyright (c) The TamaGo Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package irq

import "reflect"

// Declared in idt_amd64.s; each is a trampoline that pushes
// its own vector number (and a synthetic error code where the CPU does
// not push one) before jumping to commonStub.

func stubException0()
func stubException1()
func stubException2()
func stubException3()
func stubException4()
func stubException5()
func stubException6()
func stubException7()
func stubException8()
func stubException9()
func stubException10()
func stubException11()
func stubException12()
func stubException13()
func stubException14()
func stubException15()
func stubException16()
func stubException17()
func stubException18()
func stubException19()
func stubException20()
func stubException30()

func stubIRQ32()
func stubIRQ33()
func stubIRQ34()
func stubIRQ35()
func stubIRQ36()
func stubIRQ37()
func stubIRQ38()
func stubIRQ39()
func stubIRQ40()
func stubIRQ41()
func stubIRQ42()
func stubIRQ43()
func stubIRQ44()
func stubIRQ45()
func stubIRQ46()
func stubIRQ47()

// exceptionStubs and irqStubs give buildIDT the entry point for every
// vector it installs a present gate for: vectors 0-20 and 30 are CPU
// exceptions, 32-47 are the remapped legacy PIC lines.
var exceptionStubs = map[int]func(){
	0: stubException0,
	1: stubException1,
	2: stubException2,
	3: stubException3,
	4: stubException4,
	5: stubException5,
	6: stubException6,
	7: stubException7,
	8: stubException8,
	9: stubException9,
	10: stubException10,
	11: stubException11,
	12: stubException12,
	13: stubException13,
	14: stubException14,
	15: stubException15,
	16: stubException16,
	17: stubException17,
	18: stubException18,
	19: stubException19,
	20: stubException20,
	30: stubException30,
}

var irqStubs = map[int]func(){
	32: stubIRQ32,
	33: stubIRQ33,
	34: stubIRQ34,
	35: stubIRQ35,
	36: stubIRQ36,
	37: stubIRQ37,
	38: stubIRQ38,
	39: stubIRQ39,
	40: stubIRQ40,
	41: stubIRQ41,
	42: stubIRQ42,
	43: stubIRQ43,
	44: stubIRQ44,
	45: stubIRQ45,
	46: stubIRQ46,
	47: stubIRQ47,
}

func stubAddr(fn func()) uintptr {
	return reflect.ValueOf(fn).Pointer()
}

