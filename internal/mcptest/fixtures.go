package mcptest

import (
	"strconv"
	"time"
)

// Common fake server scripts.

// DefaultConfig returns a minimal working fake server script.
func DefaultConfig() FakeServerConfig {
	return FakeServerConfig{
		Tools: []Tool{
			{Name: "read_file", Description: "Read a file from disk"},
			{Name: "write_file", Description: "Write content to a file"},
		},
	}
}

// EmptyToolsConfig returns a script with no tools.
func EmptyToolsConfig() FakeServerConfig {
	return FakeServerConfig{Tools: []Tool{}}
}

// EchoToolsConfig returns a script whose tools echo their calls back as
// text, for routing tests.
func EchoToolsConfig() FakeServerConfig {
	return FakeServerConfig{
		Tools: []Tool{
			{Name: "echo", Description: "Echo the input back"},
			{Name: "greet", Description: "Return a greeting"},
		},
		EchoToolCalls: true,
	}
}

// PaginatedToolsConfig returns a script serving count generated tools in
// pages of pageSize.
func PaginatedToolsConfig(count, pageSize int) FakeServerConfig {
	tools := make([]Tool, count)
	for i := range tools {
		tools[i] = Tool{
			Name:        "tool_" + strconv.Itoa(i),
			Description: "Generated tool " + strconv.Itoa(i),
		}
	}
	return FakeServerConfig{Tools: tools, PageSize: pageSize}
}

// RejectLatestVersionConfig returns a script that refuses the newest
// protocol version so the client has to fall back.
func RejectLatestVersionConfig(latest string) FakeServerConfig {
	return FakeServerConfig{
		Tools:                  []Tool{{Name: "test_tool"}},
		RejectProtocolVersions: []string{latest},
	}
}

// ListChangedConfig returns a script that swaps its catalog and emits
// tools/list_changed after the first tool call.
func ListChangedConfig(before, after []Tool) FakeServerConfig {
	return FakeServerConfig{
		Tools:                before,
		ToolsAfterChange:     after,
		EchoToolCalls:        true,
		ListChangedAfterCall: true,
	}
}

// SlowConfig returns a script that delays responses to one method.
func SlowConfig(method string, delay time.Duration) FakeServerConfig {
	return FakeServerConfig{
		Tools:  []Tool{{Name: "test_tool"}},
		Delays: map[string]time.Duration{method: delay},
	}
}

// CrashOnInitConfig returns a script that exits during initialize.
func CrashOnInitConfig(exitCode int) FakeServerConfig {
	return FakeServerConfig{
		CrashOnMethod: "initialize",
		CrashExitCode: exitCode,
	}
}

// CrashOnNthRequestConfig returns a script that exits on the Nth request.
func CrashOnNthRequestConfig(n, exitCode int) FakeServerConfig {
	return FakeServerConfig{
		Tools:             []Tool{{Name: "test_tool"}},
		CrashOnNthRequest: n,
		CrashExitCode:     exitCode,
	}
}

// ErrorOnConfig returns a script that answers one method with a JSON-RPC
// error.
func ErrorOnConfig(method string, code int, message string) FakeServerConfig {
	return FakeServerConfig{
		Tools:  []Tool{{Name: "test_tool"}},
		Errors: map[string]RPCError{method: {Code: code, Message: message}},
	}
}

// FailOnAttemptConfig returns a script that fails a specific attempt of a
// method, for retry tests.
func FailOnAttemptConfig(method string, attempt int) FakeServerConfig {
	return FakeServerConfig{
		Tools:         []Tool{{Name: "test_tool"}},
		FailOnAttempt: map[string]int{method: attempt},
	}
}

// NotificationBeforeResponseConfig returns a script that interleaves a
// notification before each response.
func NotificationBeforeResponseConfig() FakeServerConfig {
	return FakeServerConfig{
		Tools:                          []Tool{{Name: "test_tool"}},
		SendNotificationBeforeResponse: true,
	}
}

// MismatchedIDConfig returns a script that sends a wrong-id response before
// the correct one.
func MismatchedIDConfig() FakeServerConfig {
	return FakeServerConfig{
		Tools:                 []Tool{{Name: "test_tool"}},
		SendMismatchedIDFirst: true,
	}
}

// MalformedResponseConfig returns a script that answers with invalid JSON.
func MalformedResponseConfig() FakeServerConfig {
	return FakeServerConfig{Malformed: true}
}
