/*
Package configlog keeps a rotating JSON-lines audit trail of sandbox
config changes, one file per sandbox, separate from the structured
runtime log in pkg/log.
*/
package configlog
