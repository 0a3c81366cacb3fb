package main

import (
	"fmt"
	"strings"

	"github.com/getcharzp/go-waste"
	"github.com/getcharzp/go-waste/remote"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/samber/lo"
)

// renderDetections 检测结果表格
func renderDetections(dets []waste.Detection) string {
	t := table.NewWriter()
	t.AppendHeader(table.Row{"#", "Label", "Bin", "Confidence", "Box"})
	for i, d := range dets {
		box := "-"
		if d.Box != nil {
			box = fmt.Sprintf("x:%.3f y:%.3f w:%.3f h:%.3f", d.Box.X, d.Box.Y, d.Box.Width, d.Box.Height)
		}
		t.AppendRow(table.Row{i + 1, d.Label, waste.BinFor(d.Label).Label, waste.FormatConfidence(d.Confidence), box})
	}
	if len(dets) == 0 {
		t.AppendRow(table.Row{"-", "no waste detected", "", "", ""})
	}
	return t.Render()
}

// renderModels 服务端模型表格, 默认模型以 * 标记
func renderModels(models []remote.ModelOption, def string) string {
	t := table.NewWriter()
	t.AppendHeader(table.Row{"", "ID", "Label", "Version", "Kind"})
	for _, m := range models {
		mark := ""
		if m.ID == def {
			mark = "*"
		}
		t.AppendRow(table.Row{mark, m.ID, m.Label, m.Version, m.Kind})
	}
	return t.Render()
}

// summarize 实时结果的单行摘要, 例如 "plastic 91%, paper 40%"
func summarize(dets []waste.Detection) string {
	if len(dets) == 0 {
		return "no waste detected"
	}
	return strings.Join(lo.Map(dets, func(d waste.Detection, _ int) string {
		return fmt.Sprintf("%s %s", d.Label, waste.FormatConfidence(d.Confidence))
	}), ", ")
}
