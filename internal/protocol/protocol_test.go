package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewMessage_MintsFreshID(t *testing.T) {
	a := NewMessage(MsgTypeExecuteRequest, ExecuteRequestContent{Code: "print hi"})
	b := NewMessage(MsgTypeExecuteRequest, ExecuteRequestContent{Code: "print hi"})

	assert.NotEmpty(t, a.Header.MsgID)
	assert.NotEqual(t, a.Header.MsgID, b.Header.MsgID)
}

func TestNewReply_CorrelatesToParent(t *testing.T) {
	req := NewMessage(MsgTypeExecuteRequest, ExecuteRequestContent{Code: "print hi"})
	reply := NewReply(MsgTypeExecuteReply, req.Header, ExecuteReplyContent{Status: "ok"})

	assert.Equal(t, req.Header.MsgID, reply.ParentHeader.MsgID)
	assert.Equal(t, MsgTypeExecuteReply, reply.Header.MsgType)
}
