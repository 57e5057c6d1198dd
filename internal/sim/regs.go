package sim

// Operational register offsets (EHCI 1.0 section 2.3).
const (
	RegUSBCMD           = 0x00
	RegUSBSTS           = 0x04
	RegUSBINTR          = 0x08
	RegFRINDEX          = 0x0c
	RegCTRLDSSEGMENT    = 0x10
	RegPERIODICLISTBASE = 0x14
	RegASYNCLISTADDR    = 0x18
	RegCONFIGFLAG       = 0x40

	regCount = RegCONFIGFLAG/4 + 1
)

// USBCMD bits.
const (
	CmdRun                  uint32 = 1 << 0
	CmdHCReset              uint32 = 1 << 1
	CmdPeriodicEnable       uint32 = 1 << 4
	CmdAsyncEnable          uint32 = 1 << 5
	CmdAsyncAdvanceDoorbell uint32 = 1 << 6
)

// USBSTS bits. The low six are write-one-to-clear.
const (
	StsInt           uint32 = 1 << 0
	StsError         uint32 = 1 << 1
	StsPortChange    uint32 = 1 << 2
	StsFrameRollover uint32 = 1 << 3
	StsSystemError   uint32 = 1 << 4
	StsAsyncAdvance  uint32 = 1 << 5
	StsHalted        uint32 = 1 << 12
	StsAsyncActive   uint32 = 1 << 15

	stsWriteClear = StsInt | StsError | StsPortChange | StsFrameRollover | StsSystemError | StsAsyncAdvance
)
