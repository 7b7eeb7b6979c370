package buildsys

const (
	white = iota
	gray
	black
)

// findCycle performs a depth-first search starting at each root (in order) and returns the first
// cycle it encounters as a closed path (a -> b -> a). Dependencies that aren't part of tasks are
// ignored.
func findCycle(tasks TaskList, roots []string) []string {
	color := make(map[string]int, len(tasks))
	stack := make([]string, 0)

	var dfs func(name string) []string
	dfs = func(name string) []string {
		color[name] = gray
		stack = append(stack, name)

		for _, dep := range tasks[name].Deps {
			if _, ok := tasks[dep]; !ok {
				continue
			}

			switch color[dep] {
			case white:
				if cycle := dfs(dep); cycle != nil {
					return cycle
				}
			case gray:
				// back edge: the cycle runs from dep's position on the stack to here
				start := 0
				for idx, item := range stack {
					if item == dep {
						start = idx
						break
					}
				}

				cycle := make([]string, 0, len(stack)-start+1)
				cycle = append(cycle, stack[start:]...)
				return append(cycle, dep)
			}
		}

		stack = stack[:len(stack)-1]
		color[name] = black
		return nil
	}

	for _, root := range roots {
		if _, ok := tasks[root]; !ok || color[root] != white {
			continue
		}

		if cycle := dfs(root); cycle != nil {
			return cycle
		}
	}
	return nil
}

// topoOrder returns the given tasks and their dependencies in execution order: dependencies come
// before their dependents, siblings keep their listed order and every task appears once.
func topoOrder(tasks TaskList, names []string) ([]string, error) {
	color := make(map[string]int, len(tasks))
	order := make([]string, 0, len(tasks))
	stack := make([]string, 0)

	var visit func(name, parent string) error
	visit = func(name, parent string) error {
		task, ok := tasks[name]
		if !ok {
			return &MissingTaskError{Name: name, RequiredBy: parent}
		}

		switch color[name] {
		case black:
			return nil
		case gray:
			start := 0
			for idx, item := range stack {
				if item == name {
					start = idx
					break
				}
			}
			return &CycleError{Path: append(append([]string{}, stack[start:]...), name)}
		}

		color[name] = gray
		stack = append(stack, name)
		for _, dep := range task.Deps {
			if err := visit(dep, name); err != nil {
				return err
			}
		}
		stack = stack[:len(stack)-1]
		color[name] = black

		order = append(order, name)
		return nil
	}

	for _, name := range names {
		if err := visit(name, ""); err != nil {
			return nil, err
		}
	}
	return order, nil
}
