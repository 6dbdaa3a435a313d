package ctucan

// Register byte offsets from the peripheral base. 32-bit registers are
// 4-byte aligned; 16-bit registers live in the low or high half of the
// containing word.
const (
	RegDeviceID   = 0x00 // 16b
	RegVersion    = 0x02 // 16b
	RegMode       = 0x04 // 16b
	RegSettings   = 0x06 // 16b
	RegIntStat    = 0x10 // 16b
	RegIntEnaSet  = 0x14
	RegIntEnaClr  = 0x18
	RegIntMaskSet = 0x1C
	RegIntMaskClr = 0x20
	RegBTR        = 0x24
	RegBTRFD      = 0x28
	RegFaultState = 0x2E // 16b
	RegRXStatus   = 0x68 // 16b
	RegRXData     = 0x6C // FIFO: every read consumes one word
	RegTXTCommand = 0x74
	RegTRVDelay   = 0x80
	RegYolo       = 0x90 // constant test pattern
	RegTXTBuffer1 = 0x100
	RegTXTBuffer2 = 0x200
)

// DeviceID is the value of RegDeviceID on a CTU CAN FD core.
const DeviceID = 0xCAFD

// YoloValue is the constant content of RegYolo.
const YoloValue = 0xDEADBEEF

// Register bits.
const (
	ModeRSTBit = 0
	ModeSTMBit = 2

	SettingsILBPBit = 5
	SettingsENABit  = 6

	FaultERABit = 0
	FaultERPBit = 1
	FaultBOFBit = 2

	RXStatusRXEBit = 0

	TXTCommandTXCRBit = 1
	TXTCommandTXB1Bit = 8
	TXTCommandTXB2Bit = 9
)

// TX buffer descriptor layout, relative to the buffer base.
const (
	TXFrameFormat = 0x0
	TXIdentifier  = 0x4
	TXTimestampL  = 0x8
	TXTimestampU  = 0xC
	TXDataStart   = 0x10
)

// Frame-format word fields.
const (
	FormatDLCMask = 0xF
	FormatRTRBit  = 5
	FormatIDEBit  = 6
	FormatFDFBit  = 7
	FormatBRSBit  = 9

	FormatRWCNTShift = 18
	FormatRWCNTMask  = 0x1F
)

// Identifier word layout.
const (
	IdentifierStdShift = 18
	IdentifierExtShift = 0

	MaxStdID = 1<<11 - 1
	MaxExtID = 1<<29 - 1
)
