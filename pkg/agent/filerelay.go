package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/dd0wney/cluso-fleet/pkg/logging"
	"github.com/dd0wney/cluso-fleet/pkg/protocol"
)

// resolvePath validates a relayed path against the project root. Relative
// paths resolve under the root; any path that escapes it is refused, even
// via symlink-free traversal like "../".
func resolvePath(projectRoot, p string) (string, error) {
	root, err := filepath.Abs(projectRoot)
	if err != nil {
		return "", err
	}

	if !filepath.IsAbs(p) {
		p = filepath.Join(root, p)
	}
	p = filepath.Clean(p)

	if p != root && !strings.HasPrefix(p, root+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes project root", p)
	}
	return p, nil
}

// writeFileAtomic lands the contents with write-temp-then-rename so a relay
// that dies mid-transfer never leaves a truncated file where the real one
// belongs.
func writeFileAtomic(path string, raw []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

func (a *Agent) handleWriteFile(ws *websocket.Conn, msg *protocol.Message) {
	var req protocol.WriteFileRequest
	if err := msg.Decode(&req); err != nil {
		a.reply(ws, protocol.NewErrorReply(msg, "malformed writeFile request"))
		return
	}

	path, err := resolvePath(a.cfg.ProjectRoot, req.Path)
	if err != nil {
		a.logger.Warn("file write refused", logging.Path(req.Path), logging.Error(err))
		a.reply(ws, protocol.NewErrorReply(msg, err.Error()))
		return
	}

	raw, err := protocol.DecodeFileData(req.Data)
	if err != nil {
		a.reply(ws, protocol.NewErrorReply(msg, err.Error()))
		return
	}

	if err := writeFileAtomic(path, raw); err != nil {
		a.reply(ws, protocol.NewErrorReply(msg, err.Error()))
		return
	}

	a.logger.Info("file written", logging.Path(path), logging.Count(len(raw)))
	reply, err := protocol.NewReply(msg, nil)
	if err != nil {
		reply = protocol.NewErrorReply(msg, err.Error())
	}
	a.reply(ws, reply)
}

func (a *Agent) handleGetFile(ws *websocket.Conn, msg *protocol.Message) {
	var req protocol.GetFileRequest
	if err := msg.Decode(&req); err != nil {
		a.reply(ws, protocol.NewErrorReply(msg, "malformed getFile request"))
		return
	}

	path, err := resolvePath(a.cfg.ProjectRoot, req.Path)
	if err != nil {
		a.logger.Warn("file read refused", logging.Path(req.Path), logging.Error(err))
		a.reply(ws, protocol.NewErrorReply(msg, err.Error()))
		return
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		a.reply(ws, protocol.NewErrorReply(msg, err.Error()))
		return
	}

	payload := protocol.FileData{Path: req.Path, Data: protocol.EncodeFileData(raw)}
	reply, err := protocol.NewReply(msg, payload)
	if err != nil {
		reply = protocol.NewErrorReply(msg, err.Error())
	}
	a.reply(ws, reply)
}
