package confirm

import "github.com/khoj-ai/pipali/pkg/models"

// Command operation sub-types used as confirmation key suffixes.
const (
	CommandReadOnly  = "read-only"
	CommandWriteOnly = "write-only"
	CommandReadWrite = "read-write"
)

// MCP operation types injected into MCP tool schemas.
const (
	MCPOperationSafe   = "safe"
	MCPOperationUnsafe = "unsafe"
)

// CommandRisk grades a shell command by its declared operation sub-type.
// Unknown sub-types are treated as read-write.
func CommandRisk(operationType string) models.RiskLevel {
	switch operationType {
	case CommandReadOnly:
		return models.RiskLow
	case CommandWriteOnly:
		return models.RiskMedium
	default:
		return models.RiskHigh
	}
}

// MCPRisk grades an MCP tool call by the operation_type the model declared.
func MCPRisk(operationType string) models.RiskLevel {
	if operationType == MCPOperationSafe {
		return models.RiskLow
	}
	return models.RiskHigh
}

// DefaultRisk grades an operation with no declared sub-type.
func DefaultRisk(operation string) models.RiskLevel {
	switch operation {
	case "delete_file", "execute_command":
		return models.RiskHigh
	default:
		return models.RiskMedium
	}
}
