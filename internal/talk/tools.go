package talk

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/zjrosen/talkrelay/internal/mcp"
)

// Tool names exposed to the assistant host.
const (
	ToolSpeechResponse  = "speech_response"
	ToolGetUserMessages = "get_user_messages"
)

// Instructions are sent to the host during initialize.
const Instructions = "Use speech_response for every reply to the user; it returns what the user says back. " +
	"Use get_user_messages to check for new user messages without speaking."

var speechResponseTool = mcp.Tool{
	Name:        ToolSpeechResponse,
	Description: "Each response must use this tool to speech the message.",
	InputSchema: &mcp.InputSchema{
		Type: "object",
		Properties: map[string]*mcp.PropertySchema{
			"text": {Type: "string", Description: "The response text"},
		},
		Required: []string{"text"},
	},
}

var getUserMessagesTool = mcp.Tool{
	Name:        ToolGetUserMessages,
	Description: "Get messages from the user. Use this tool to check if the user has sent any new messages.",
	InputSchema: &mcp.InputSchema{
		Type:       "object",
		Properties: map[string]*mcp.PropertySchema{},
	},
}

type speechArgs struct {
	Text string `json:"text"`
}

// Register adds the conversation tools to srv.
func (s *Session) Register(srv *mcp.Server) {
	srv.RegisterTool(speechResponseTool, s.handleSpeechResponse)
	srv.RegisterTool(getUserMessagesTool, s.handleGetUserMessages)
}

func (s *Session) handleSpeechResponse(ctx context.Context, raw json.RawMessage) (*mcp.ToolCallResult, error) {
	var args speechArgs
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &args); err != nil {
			return mcp.ErrorResult(fmt.Sprintf("Invalid arguments: %v", err)), nil
		}
	}
	if strings.TrimSpace(args.Text) == "" {
		return mcp.ErrorResult("Failed to send text: text is required"), nil
	}

	res, err := s.SpeechResponse(ctx, args.Text)
	if err != nil {
		return mcp.ErrorResult(fmt.Sprintf("Failed to send text: %v", err)), nil
	}
	return mcp.SuccessResult(res.Reply()), nil
}

func (s *Session) handleGetUserMessages(ctx context.Context, _ json.RawMessage) (*mcp.ToolCallResult, error) {
	text, err := s.GetUserMessages(ctx)
	if err != nil {
		return mcp.ErrorResult(fmt.Sprintf("Failed to get user messages: %v", err)), nil
	}
	return mcp.SuccessResult(text), nil
}
