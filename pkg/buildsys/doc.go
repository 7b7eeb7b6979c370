// Package buildsys implements a small asset build system. Tasks are declared in a Starlark script
// (tasks.star), validated into a dependency graph by the Registry and executed by the Runner. A
// task can aggregate other tasks, stream files through a pipeline of stages and run shell commands
// through mvdan.cc/sh.
package buildsys
