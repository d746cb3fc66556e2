package builtin

import "agent_runtime/pkg/tools"

// RegisterFileTools registers read_file, write_file and list_files.
func RegisterFileTools(registry *tools.Registry, ws *tools.ToolContext) {
	registry.MustRegister(NewReadFileTool(ws))
	registry.MustRegister(NewWriteFileTool(ws))
	registry.MustRegister(NewListFilesTool(ws))
}

// RegisterBashTools registers the bash tool when the workspace allows it.
func RegisterBashTools(registry *tools.Registry, ws *tools.ToolContext) {
	if ws.Permissions.AllowBash {
		registry.MustRegister(NewBashTool(ws))
	}
}

// RegisterAll registers every workspace tool bound to ws.
func RegisterAll(registry *tools.Registry, ws *tools.ToolContext) {
	RegisterFileTools(registry, ws)
	RegisterBashTools(registry, ws)
}
