package vmx

import (
	"github.com/tinyrange/thinhv/internal/hv"
	"gvisor.dev/gvisor/pkg/hostarch"
)

// CRAccessType is the access-type field of a control-register exit.
type CRAccessType uint8

const (
	CRAccessMovTo   CRAccessType = 0
	CRAccessMovFrom CRAccessType = 1
	CRAccessCLTS    CRAccessType = 2
	CRAccessLMSW    CRAccessType = 3
)

func (t CRAccessType) String() string {
	switch t {
	case CRAccessMovTo:
		return "mov-to-cr"
	case CRAccessMovFrom:
		return "mov-from-cr"
	case CRAccessCLTS:
		return "clts"
	case CRAccessLMSW:
		return "lmsw"
	default:
		return "invalid"
	}
}

// MovCRQualification is the decoded exit qualification of a
// control-register access.
type MovCRQualification struct {
	ControlRegister uint8
	Access          CRAccessType
	LMSWMemory      bool
	Register        hv.Register
	LMSWSource      uint16
}

// DecodeMovCR unpacks a control-register access qualification.
func DecodeMovCR(q uint64) MovCRQualification {
	return MovCRQualification{
		ControlRegister: uint8(q & 0xf),
		Access:          CRAccessType((q >> 4) & 0x3),
		LMSWMemory:      q&(1<<6) != 0,
		Register:        hv.Register((q >> 8) & 0xf),
		LMSWSource:      uint16(q >> 16),
	}
}

// Encode packs q back into qualification format.
func (q MovCRQualification) Encode() uint64 {
	v := uint64(q.ControlRegister&0xf) |
		uint64(q.Access&0x3)<<4 |
		uint64(q.Register&0xf)<<8 |
		uint64(q.LMSWSource)<<16
	if q.LMSWMemory {
		v |= 1 << 6
	}
	return v
}

// EPTViolationQualification is the decoded exit qualification of an EPT
// violation.
type EPTViolationQualification struct {
	Access hostarch.AccessType

	// Permissions of the entry that caused the violation.
	Readable   bool
	Writable   bool
	Executable bool

	LinearValid         bool
	CausedByTranslation bool
}

const (
	eptqRead        = 1 << 0
	eptqWrite       = 1 << 1
	eptqExecute     = 1 << 2
	eptqReadable    = 1 << 3
	eptqWritable    = 1 << 4
	eptqExecutable  = 1 << 5
	eptqLinearValid = 1 << 7
	eptqTranslation = 1 << 8
)

// DecodeEPTViolation unpacks an EPT-violation qualification.
func DecodeEPTViolation(q uint64) EPTViolationQualification {
	return EPTViolationQualification{
		Access: hostarch.AccessType{
			Read:    q&eptqRead != 0,
			Write:   q&eptqWrite != 0,
			Execute: q&eptqExecute != 0,
		},
		Readable:            q&eptqReadable != 0,
		Writable:            q&eptqWritable != 0,
		Executable:          q&eptqExecutable != 0,
		LinearValid:         q&eptqLinearValid != 0,
		CausedByTranslation: q&eptqTranslation != 0,
	}
}

// Encode packs q back into qualification format.
func (q EPTViolationQualification) Encode() uint64 {
	var v uint64
	set := func(b bool, bit uint64) {
		if b {
			v |= bit
		}
	}
	set(q.Access.Read, eptqRead)
	set(q.Access.Write, eptqWrite)
	set(q.Access.Execute, eptqExecute)
	set(q.Readable, eptqReadable)
	set(q.Writable, eptqWritable)
	set(q.Executable, eptqExecutable)
	set(q.LinearValid, eptqLinearValid)
	set(q.CausedByTranslation, eptqTranslation)
	return v
}
