package makeengine

import "github.com/tracemake/tracemake/internal/namestore"

// dependencyGraph maps a job to the jobs producing its static deps —
// generalized from compiler.dependencyGraph (sync_id -> triggered sync_ids)
// to job_id -> producing job_ids.
type dependencyGraph map[namestore.JobId][]namestore.JobId

// DetectCycles runs Tarjan's algorithm over the static job dependency graph
// and returns a SystemError for the first strongly connected component of
// size > 1 (or a self-loop), or nil if the graph is a DAG.
//
// Unlike compiler.AnalyzeCycles, which reports cycles as warnings because a
// sync rule loop may be an intentional retry, a job dependency cycle can
// never terminate (spec.md §7: cycles are a hard error, not a warning).
func DetectCycles(graph dependencyGraph) *SystemError {
	sccs := tarjanSCC(graph)
	for _, scc := range sccs {
		if len(scc) > 1 || (len(scc) == 1 && hasSelfLoop(scc[0], graph)) {
			return NewCycleError(scc)
		}
	}
	return nil
}

func hasSelfLoop(job namestore.JobId, graph dependencyGraph) bool {
	for _, neighbor := range graph[job] {
		if neighbor == job {
			return true
		}
	}
	return false
}

// tarjanSCC finds strongly connected components of graph. Ported from
// compiler.tarjanSCC with string sync ids replaced by namestore.JobId.
func tarjanSCC(graph dependencyGraph) [][]namestore.JobId {
	var (
		index   = 0
		stack   []namestore.JobId
		indices = make(map[namestore.JobId]int)
		lowlink = make(map[namestore.JobId]int)
		onStack = make(map[namestore.JobId]bool)
		sccs    [][]namestore.JobId
	)

	var strongConnect func(namestore.JobId)
	strongConnect = func(v namestore.JobId) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range graph[v] {
			if _, visited := indices[w]; !visited {
				strongConnect(w)
				lowlink[v] = min(lowlink[v], lowlink[w])
			} else if onStack[w] {
				lowlink[v] = min(lowlink[v], indices[w])
			}
		}

		if lowlink[v] == indices[v] {
			var scc []namestore.JobId
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				scc = append(scc, w)
				if w == v {
					break
				}
			}
			sccs = append(sccs, scc)
		}
	}

	for node := range graph {
		if _, visited := indices[node]; !visited {
			strongConnect(node)
		}
	}

	return sccs
}
