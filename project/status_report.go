// Operator status page
package project

import (
	"github.com/flosch/pongo2/v5"
)

var statusTemplate = pongo2.Must(pongo2.FromString(
	`=== thermal status ===
{% for h in hotends %}hotend {{ h.index }}: {{ h.temp|floatformat:1 }}C / {{ h.target }}C @ {{ h.power }}
{% endfor %}bed: {{ bed_temp|floatformat:1 }}C / {{ bed_target }}C @ {{ bed_power }}
{% if has_ambient %}ambient: {{ ambient|floatformat:1 }}C
{% endif %}fan: {{ fan_speed }}
model: {% if model_enabled %}enabled{% else %}disabled{% endif %}{% if model_warning %} (anomaly){% endif %}
{% if err_present %}fault: {{ err_type }} {{ err_source }}{{ err_index }}{% if err_asserted %} (asserted){% endif %}
{% else %}fault: none
{% endif %}`))

// Render_status renders the textual status page for the console.
func Render_status(core *TempCore) (string, error) {
	hotends := make([]map[string]interface{}, 0, core.cfg.HotendCount)
	for e := 0; e < core.cfg.HotendCount; e++ {
		hotends = append(hotends, map[string]interface{}{
			"index":  e,
			"temp":   core.Degree_hotend(e),
			"target": core.Target_hotend(e),
			"power":  int(core.Get_heater_power(e)),
		})
	}

	errState := core.err.Get()
	ctx := pongo2.Context{
		"hotends":       hotends,
		"bed_temp":      core.Degree_bed(),
		"bed_target":    core.Target_bed(),
		"bed_power":     int(core.Get_heater_power(-1)),
		"has_ambient":   core.cfg.HasAmbient,
		"ambient":       core.Degree_ambient(),
		"fan_speed":     int(core.Fan_speed()),
		"model_enabled": core.cfg.HasModel && core.model.Enabled(),
		"model_warning": core.cfg.HasModel && core.model.Warning_pending(),
		"err_present":   errState.Present,
		"err_asserted":  errState.Asserted,
		"err_type":      errState.Type.String(),
		"err_source":    errState.Source.String(),
		"err_index":     int(errState.Index),
	}
	return statusTemplate.Execute(ctx)
}
