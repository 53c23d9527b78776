/*
Package host abstracts all side-effectful operations against the target
host behind the Backend interface: podman/systemctl/journalctl/busctl
invocations and read-only filesystem probes.

Three variants exist. LocalBackend fork+execs on the service host.
SSHBackend wraps the same argv in `ssh <target> --` with a validated
target, a closed command whitelist, and shell-metacharacter rejection on
every token. FailingBackend answers everything with exec-failed and is
installed when SSH validation fails at startup.

Remote paths travel as bare argv tokens after "--"; nothing in this
package ever builds a shell string.
*/
package host
