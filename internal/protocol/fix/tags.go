package fix

// Field tags used by the session layer.
const (
	TagBeginSeqNo           = 7
	TagBeginString          = 8
	TagBodyLength           = 9
	TagCheckSum             = 10
	TagEndSeqNo             = 16
	TagMsgSeqNum            = 34
	TagMsgType              = 35
	TagNewSeqNo             = 36
	TagPossDupFlag          = 43
	TagSenderCompID         = 49
	TagSendingTime          = 52
	TagTargetCompID         = 56
	TagText                 = 58
	TagEncryptMethod        = 98
	TagHeartBtInt           = 108
	TagTestReqID            = 112
	TagGapFillFlag          = 123
	TagResetSeqNumFlag      = 141
	TagTestMessageIndicator = 464
	TagUsername             = 553
	TagPassword             = 554
	TagDefaultApplVerID     = 1137
)

// Session-level MsgType values.
const (
	MsgTypeHeartbeat     = "0"
	MsgTypeTestRequest   = "1"
	MsgTypeResendRequest = "2"
	MsgTypeReject        = "3"
	MsgTypeSequenceReset = "4"
	MsgTypeLogout        = "5"
	MsgTypeLogon         = "A"
)

// Boolean field values.
const (
	Yes = "Y"
	No  = "N"
)

// SendingTimeLayout is the UTCTimestamp layout with millisecond precision.
const SendingTimeLayout = "20060102-15:04:05.000"

// IsAdmin reports whether msgType belongs to the session layer rather than
// the application layer.
func IsAdmin(msgType string) bool {
	switch msgType {
	case MsgTypeHeartbeat, MsgTypeTestRequest, MsgTypeResendRequest, MsgTypeReject,
		MsgTypeSequenceReset, MsgTypeLogout, MsgTypeLogon:
		return true
	default:
		return false
	}
}
