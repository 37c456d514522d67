package storage

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/example/campus-transit/internal/models"
)

// Seed is the reference data file format used to populate a MemoryStore for
// local runs.
type Seed struct {
	Routes []struct {
		Name  string     `yaml:"name"`
		Stops []seedStop `yaml:"stops"`
	} `yaml:"routes"`
	Students []models.Student `yaml:"students"`
	Captains []models.Captain `yaml:"captains"`
}

type seedStop struct {
	ID   int64    `yaml:"id"`
	Name string   `yaml:"name"`
	Lat  *float64 `yaml:"lat"`
	Lon  *float64 `yaml:"lon"`
}

// LoadSeed reads a YAML seed file into m.
func LoadSeed(m *MemoryStore, path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var seed Seed
	if err := yaml.Unmarshal(b, &seed); err != nil {
		return fmt.Errorf("parse seed %s: %w", path, err)
	}
	for _, r := range seed.Routes {
		m.AddRoute(r.Name)
		for _, s := range r.Stops {
			stop := models.Stop{ID: s.ID, RouteName: r.Name, Name: s.Name}
			if s.Lat != nil && s.Lon != nil {
				stop.Position = &models.Coord{Lat: *s.Lat, Lon: *s.Lon}
			}
			m.AddStop(stop)
		}
	}
	for _, s := range seed.Students {
		m.AddStudent(s)
	}
	for _, c := range seed.Captains {
		m.AddCaptain(c)
	}
	return nil
}
