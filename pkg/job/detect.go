package job

import (
	"fmt"
	"os"
	"strings"
)

// DefaultFileName is the descriptor file looked up in the working directory.
const DefaultFileName = ".remote-runner.json"

// DetectCommands picks a starter command list from the files in dir.
// The first match wins: CMake, Makefile, Node.js, Python, then a generic probe.
func DetectCommands(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read project dir %s: %w", dir, err)
	}

	files := make(map[string]bool, len(entries))
	hasPython := false
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		files[e.Name()] = true
		if strings.HasSuffix(e.Name(), ".py") {
			hasPython = true
		}
	}

	switch {
	case files["CMakeLists.txt"]:
		return []string{"mkdir -p build", "cd build", "cmake ..", "make -j4"}, nil
	case files["Makefile"]:
		return []string{"make"}, nil
	case files["package.json"]:
		return []string{"npm install", "npm start"}, nil
	case hasPython || files["requirements.txt"]:
		return []string{"python3 main.py"}, nil
	default:
		return []string{"ls -la", "echo 'Remote Runner is working!'"}, nil
	}
}
