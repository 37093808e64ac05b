package commands

import "github.com/aristath/agentteam/internal/orchestrator"

// demoTasks is the sample compiler project seeded into an empty pool.
func demoTasks() []orchestrator.TaskSpec {
	return []orchestrator.TaskSpec{
		{Description: "Implement lexer for C tokens", Priority: 10},
		{Description: "Implement preprocessor directives", Priority: 9},
		{Description: "Parse function declarations", Priority: 8},
		{Description: "Parse if/else statements", Priority: 8},
		{Description: "Parse for/while loops", Priority: 8},
		{Description: "Parse struct definitions", Priority: 7},
		{Description: "Implement type checker", Priority: 7},
		{Description: "Generate SSA IR from AST", Priority: 6},
		{Description: "Implement dead code elimination", Priority: 5},
		{Description: "Implement constant propagation", Priority: 5},
		{Description: "Implement register allocation", Priority: 4},
		{Description: "Generate x86-64 assembly", Priority: 4},
		{Description: "Implement ELF linker", Priority: 3},
		{Description: "Add DWARF debug info", Priority: 2},
		{Description: "Write documentation", Priority: 1},
		{Description: "Run test suite", Priority: 1},
	}
}
