package e1000

// 寄存器偏移（字节），见8254x开发手册13.4
const (
	RegCTRL  = 0x0000 // Device Control
	RegEERD  = 0x0014 // EEPROM Read
	RegICR   = 0x00C0 // Interrupt Cause Read，读清零
	RegIMS   = 0x00D0 // Interrupt Mask Set/Read
	RegIMC   = 0x00D8 // Interrupt Mask Clear
	RegRCTL  = 0x0100
	RegTCTL  = 0x0400
	RegRDBAL = 0x2800
	RegRDBAH = 0x2804
	RegRDLEN = 0x2808
	RegRDH   = 0x2810
	RegRDT   = 0x2818
	RegTDBAL = 0x3800
	RegTDBAH = 0x3804
	RegTDLEN = 0x3808
	RegTDH   = 0x3810
	RegTDT   = 0x3818
	RegMTA   = 0x5200 // Multicast Table Array, 128个32位寄存器
	RegRAL0  = 0x5400
	RegRAH0  = 0x5404

	mtaEntries = 128
)

// CTRL
const (
	CtrlASDE = 1 << 5  // Auto-Speed Detection Enable
	CtrlSLU  = 1 << 6  // Set Link Up
	CtrlRST  = 1 << 26 // Device Reset，复位完成后硬件清零
)

// ICR / IMS / IMC
const (
	IntTXQE  = 1 << 1 // 发送队列空
	IntRXSEQ = 1 << 3
	IntRXO   = 1 << 6 // 接收溢出
	IntRXT0  = 1 << 7 // 接收定时器，收到帧
)

// RCTL
const (
	RctlEN           = 1 << 1
	RctlSBP          = 1 << 2 // Store Bad Packets
	RctlUPE          = 1 << 3 // Unicast Promiscuous
	RctlMPE          = 1 << 4 // Multicast Promiscuous
	RctlLPE          = 1 << 5 // Long Packet
	RctlRDMTSHalf    = 0 << 8
	RctlRDMTSQuarter = 1 << 8
	RctlRDMTSEighth  = 2 << 8
	RctlBAM          = 1 << 15 // Broadcast Accept
	RctlBSize2048    = 0 << 16
	RctlBSize1024    = 1 << 16
	RctlBSize512     = 2 << 16
	RctlBSize256     = 3 << 16
	RctlBSEX         = 1 << 25
	RctlSECRC        = 1 << 26 // Strip Ethernet CRC
)

// TCTL
const (
	TctlEN  = 1 << 1
	TctlPSP = 1 << 3 // Pad Short Packets
)

// 接收描述符 status / 发送描述符 cmd、status
const (
	RxStatusDD  = 1 << 0
	RxStatusEOP = 1 << 1

	TxCmdEOP  = 1 << 0
	TxCmdIFCS = 1 << 1 // 由网卡计算CRC
	TxCmdIC   = 1 << 2
	TxCmdRS   = 1 << 3 // Report Status

	TxStatusDD = 1 << 0
)

// RAH0的Address Valid位
const rahAV = 1 << 31
