// Package terminal implements the command-line interaction mode of Nexus.
//
// A Terminal sends questions through the same gateway.Controller the HTTP
// surface uses, so a local run exercises the tool session, the agent loop and
// the stream encoder exactly as a browser request would. Frames are rendered
// as plain text by FrameWriter.
//
// # Usage
//
//	term := terminal.New(srv.Controller(), terminal.VerbosityInfo, os.Stdin, os.Stdout)
//	err := term.Ask(ctx, "Which tables hold customer data?")
//
// Run starts an interactive session instead; /quit or /exit ends it.
//
// # Verbosity Levels
//
//   - None: only the answer is printed
//   - Info: tool names are printed when called
//   - All: tool names, arguments, and results are printed
package terminal
