package main

import (
	"encoding/csv"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/Agrid-Dev/cascade-climate/internal/cascade"
	"github.com/Agrid-Dev/cascade-climate/internal/simulator"
)

type TargetCommand struct {
	Iteration int
	Value     float64
}

// SimulateLoop runs a heat-mode loop against the simulated plant, one second per iteration,
// evaluating every interval, and writes one CSV row per iteration.
func SimulateLoop(iterations int, interval time.Duration, filename string, commands []TargetCommand) error {
	plant, err := simulator.NewPlant(simulator.DefaultParams())
	if err != nil {
		return fmt.Errorf("failed to create plant: %w", err)
	}
	params := cascade.DefaultParams()
	params.ObserverMode = cascade.ObserverFusion

	loop, err := cascade.NewLoop(params, cascade.Settings{HVACMode: cascade.HVACHeat, TargetTemperature: 20.0}, plant, nil)
	if err != nil {
		return fmt.Errorf("failed to create loop: %w", err)
	}

	file, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to create CSV file: %w", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	if err := writer.Write([]string{"Iteration", "Room", "Radiator", "Target", "RadiatorSetpoint", "BandLow", "BandHigh", "Estimate", "Pump"}); err != nil {
		return fmt.Errorf("failed to write CSV header: %w", err)
	}

	refs := plant.Refs()
	start := time.Now()
	every := int(interval / time.Second)
	for i := range iterations {
		for _, cmd := range commands {
			if cmd.Iteration == i+1 {
				if err := loop.SetTargetTemperature(cmd.Value); err != nil {
					return fmt.Errorf("failed to update target: %w", err)
				}
			}
		}

		if i%every == 0 {
			loop.Evaluate("interval", cascade.Inputs{
				RoomTemperature:     plant.CurrentValue(refs.Room),
				RadiatorTemperature: plant.CurrentValue(refs.Radiator),
				OutsideTemperature:  plant.CurrentValue(refs.Outside),
				ForecastTemperature: plant.ForecastValue(refs.Forecast),
			}, start.Add(time.Duration(i)*time.Second))
		}

		s := loop.Get()
		estimate := ""
		if s.EstimatedRadiatorTemperature != nil {
			estimate = fmt.Sprintf("%.2f", *s.EstimatedRadiatorTemperature)
		}
		if err := writer.Write([]string{
			strconv.Itoa(i + 1),
			fmt.Sprintf("%.2f", plant.Room()),
			fmt.Sprintf("%.2f", plant.Radiator()),
			fmt.Sprintf("%.2f", s.TargetTemperature),
			fmt.Sprintf("%.2f", s.RadiatorSetpoint),
			fmt.Sprintf("%.2f", s.RadiatorSetpoint-params.Hysteresis/2),
			fmt.Sprintf("%.2f", s.RadiatorSetpoint+params.Hysteresis/2),
			estimate,
			strconv.FormatBool(s.PumpOn),
		}); err != nil {
			return fmt.Errorf("failed to write CSV record: %w", err)
		}

		plant.Step(time.Second)
	}
	return nil
}

func main() {
	commands := []TargetCommand{
		{Iteration: 3600, Value: 22.0},
	}
	if err := SimulateLoop(4*3600, 30*time.Second, "cascade_climate.csv", commands); err != nil {
		log.Fatal(err)
	}
}
