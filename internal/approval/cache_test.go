package approval

import "testing"

func TestCache_ScopedByChatAndTool(t *testing.T) {
	c := NewCache()

	c.Set("c1", "shell_cmd", true)

	if !c.Get("c1", "shell_cmd") {
		t.Error("approved tool not found")
	}
	if c.Get("c1", "echo") {
		t.Error("different tool leaked approval")
	}
	if c.Get("c2", "shell_cmd") {
		t.Error("different chat leaked approval")
	}
}

func TestCache_DenyRecorded(t *testing.T) {
	c := NewCache()
	c.Set("c1", "shell_cmd", false)
	if c.Get("c1", "shell_cmd") {
		t.Error("denied tool reported approved")
	}
}

func TestCache_Clear(t *testing.T) {
	c := NewCache()
	c.Set("c1", "shell_cmd", true)
	c.Set("c2", "shell_cmd", true)

	c.Clear("c1")

	if c.Get("c1", "shell_cmd") {
		t.Error("cleared chat retained approval")
	}
	if !c.Get("c2", "shell_cmd") {
		t.Error("clear affected another chat")
	}
}
