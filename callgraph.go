// Completion: 100% - Caller-path diagnostics complete
package patch67

import "sort"

// callGraph maps a symbol to the set of symbols whose code references it
// (callee -> callers). It is approximate: data relocations and indirect
// calls are not distinguished from direct calls, so paths may contain
// spurious edges. Diagnostics only, never used for diff correctness.
type callGraph map[string]map[string]struct{}

func (g callGraph) addEdge(child, parent string) {
	set, ok := g[child]
	if !ok {
		set = make(map[string]struct{})
		g[child] = set
	}
	set[parent] = struct{}{}
}

// pathToEntry walks from a symbol towards its callers until it reaches a
// program entry point, returning the path walked (symbol first, entry point
// last) or nil when no such path exists. Cycles are tolerated.
func (g callGraph) pathToEntry(name string) []string {
	visited := make(map[string]struct{})
	var path []string

	var dfs func(current string) bool
	dfs = func(current string) bool {
		if isEntryPointName(current) {
			path = append(path, current)
			return true
		}
		visited[current] = struct{}{}
		path = append(path, current)

		parents := make([]string, 0, len(g[current]))
		for p := range g[current] {
			parents = append(parents, p)
		}
		sort.Strings(parents)

		for _, p := range parents {
			if _, seen := visited[p]; seen {
				continue
			}
			if dfs(p) {
				return true
			}
		}

		path = path[:len(path)-1]
		return false
	}

	if dfs(name) {
		return path
	}
	return nil
}
