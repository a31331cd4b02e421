package workflows

// NormalizeTree converts YAML-decoded values to the engine's canonical
// shapes: all numbers become float64 so state math and equality behave the
// same regardless of whether a value arrived via YAML, JSON, or an update.
func NormalizeTree(v interface{}) interface{} {
	switch t := v.(type) {
	case int:
		return float64(t)
	case int32:
		return float64(t)
	case int64:
		return float64(t)
	case uint:
		return float64(t)
	case uint64:
		return float64(t)
	case float32:
		return float64(t)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, child := range t {
			out[k] = NormalizeTree(child)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, child := range t {
			out[i] = NormalizeTree(child)
		}
		return out
	}
	return v
}

// normalize canonicalizes every literal value payload in the definition.
func (d *Definition) normalize() {
	if d.StateSchema != nil {
		if d.Computed == nil && len(d.StateSchema.Computed) > 0 {
			d.Computed = make(map[string]ComputedSpec, len(d.StateSchema.Computed))
		}
		for name, spec := range d.StateSchema.Computed {
			if _, ok := d.Computed[name]; !ok {
				d.Computed[name] = spec
			}
		}
		d.StateSchema = nil
	}
	if d.DefaultState != nil {
		d.DefaultState = NormalizeTree(d.DefaultState).(map[string]interface{})
	}
	for name, task := range d.SubAgentTasks {
		if task.Inputs != nil {
			task.Inputs = NormalizeTree(task.Inputs).(map[string]interface{})
		}
		if task.DefaultState != nil {
			task.DefaultState = NormalizeTree(task.DefaultState).(map[string]interface{})
		}
		d.SubAgentTasks[name] = task
	}
	for name, spec := range d.Inputs {
		if spec.Default != nil {
			spec.Default = NormalizeTree(spec.Default)
			d.Inputs[name] = spec
		}
	}
	d.WalkSteps(func(step *Step) {
		for i := range step.Updates {
			step.Updates[i].Value = NormalizeTree(step.Updates[i].Value)
		}
		if step.Arguments != nil {
			step.Arguments = NormalizeTree(step.Arguments).(map[string]interface{})
		}
		if step.Validator != nil {
			step.Validator = NormalizeTree(step.Validator).(map[string]interface{})
		}
		if step.OnError != nil && step.OnError.FallbackValue != nil {
			step.OnError.FallbackValue = NormalizeTree(step.OnError.FallbackValue)
		}
	})
}
